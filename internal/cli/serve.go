package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammadhprp/modguard/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(limitsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*limitsFile)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	a.logger.Info("starting modguard",
		zap.String("version", "1.0.0"),
		zap.String("http_address", a.cfg.ServerAddr()),
		zap.String("grpc_address", a.cfg.GRPCAddr()),
		zap.String("redis_address", a.cfg.RedisAddr()),
		zap.Bool("fail_open", a.rateLimit.FailOpen()),
	)

	a.cache.StartSweeper(a.cfg.RateLimit.CacheSweepInterval, a.logger)

	base := transport.ServerConfig{
		RateLimit:    a.rateLimit,
		Health:       a.health,
		Logger:       a.logger,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	httpCfg := base
	httpCfg.Address = a.cfg.ServerAddr()
	grpcCfg := base
	grpcCfg.Address = a.cfg.GRPCAddr()

	servers := []transport.Server{
		transport.NewHTTPServer(httpCfg),
		transport.NewGRPCServer(grpcCfg),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server on %s: %w", srv.Addr(), err)
		}
	}

	<-ctx.Done()
	a.logger.Info("shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Stop(shutdownCtx); err != nil {
			a.logger.Error("server forced to shutdown", zap.String("address", srv.Addr()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	a.logger.Info("servers stopped")
	return firstErr
}
