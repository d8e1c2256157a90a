package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer implements the Server interface for gRPC transport
type GRPCServer struct {
	server         *grpc.Server
	address        string
	logger         *zap.Logger
	cfg            ServerConfig
	health         *health.Server
	healthInterval time.Duration

	stopHealth chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg ServerConfig, opts ...grpc.ServerOption) *GRPCServer {
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = time.Second
	}

	grpcSrv := &GRPCServer{
		address:        cfg.Address,
		logger:         cfg.Logger,
		cfg:            cfg,
		server:         grpc.NewServer(opts...),
		health:         health.NewServer(),
		healthInterval: interval,
		stopHealth:     make(chan struct{}),
	}

	grpcSrv.registerServices()
	return grpcSrv
}

// registerServices registers all gRPC services
func (gs *GRPCServer) registerServices() {
	healthpb.RegisterHealthServer(gs.server, gs.health)
	gs.server.RegisterService(&RateLimitServiceDesc, &RateLimitServiceImpl{
		rateLimitService: gs.cfg.RateLimit,
	})
}

// Start starts the gRPC server
func (gs *GRPCServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", gs.address)
	if err != nil {
		gs.logger.Error("Failed to listen on address", zap.String("address", gs.address), zap.Error(err))
		return err
	}

	gs.logger.Info("Starting gRPC server", zap.String("address", gs.address))
	gs.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background
func (gs *GRPCServer) Serve(listener net.Listener) {
	gs.updateHealth(context.Background())

	gs.wg.Add(1)
	go func() {
		defer gs.wg.Done()
		gs.watchHealth()
	}()

	go func() {
		if err := gs.server.Serve(listener); err != nil {
			gs.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the gRPC server
func (gs *GRPCServer) Stop(ctx context.Context) error {
	gs.logger.Info("Stopping gRPC server")

	gs.stopOnce.Do(func() { close(gs.stopHealth) })
	gs.wg.Wait()
	gs.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		gs.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		gs.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the address the gRPC server is listening on
func (gs *GRPCServer) Addr() string {
	return gs.address
}

// watchHealth polls store reachability until Stop
func (gs *GRPCServer) watchHealth() {
	ticker := time.NewTicker(gs.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gs.stopHealth:
			return
		case <-ticker.C:
			gs.updateHealth(context.Background())
		}
	}
}

func (gs *GRPCServer) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if gs.cfg.Health == nil {
		status = healthpb.HealthCheckResponse_UNKNOWN
	} else if err := gs.cfg.Health.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	gs.health.SetServingStatus("", status)
	gs.health.SetServingStatus(RateLimitServiceName, status)
}
