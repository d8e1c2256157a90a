package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mohammadhprp/modguard/internal/blocker"
	"github.com/mohammadhprp/modguard/internal/config"
	"github.com/mohammadhprp/modguard/internal/service"
	"github.com/mohammadhprp/modguard/internal/storage"
)

// app holds the wired components shared by every command
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.RedisStore
	cache     *blocker.LocalCache
	rateLimit *service.RateLimitService
	health    *service.HealthService
}

// bootstrap loads configuration and connects to the shared store
func bootstrap(limitsFile string) (*app, error) {
	config.LoadDotEnv()
	cfg := config.Load()
	if limitsFile != "" {
		cfg.RateLimit.LimitsFile = limitsFile
	}

	logger, err := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := config.NewRedisClient(cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr(), err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  storage.NewRedisStore(client, storage.WithOperationTimeout(cfg.Redis.OpTimeout)),
		cache:  blocker.NewLocalCache(blocker.WithMaxAge(cfg.RateLimit.CacheMaxAge)),
	}

	blocks := blocker.NewManager(a.store, a.cache, cfg.RateLimit.BlockPrefix, logger)
	a.rateLimit, err = service.NewRateLimitService(a.store, blocks, logger,
		service.WithFailOpen(cfg.RateLimit.FailOpen),
		service.WithBlockDuration(cfg.RateLimit.BlockDuration),
		service.WithStoreTimeout(cfg.Redis.OpTimeout),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create rate limit service: %w", err)
	}

	if err := a.registerLimits(); err != nil {
		a.close()
		return nil, err
	}

	a.health = service.NewHealthService(a.store, logger, cfg.Redis.OpTimeout)
	return a, nil
}

// registerLimits adds the configs from the limits file, if any
func (a *app) registerLimits() error {
	limits, err := config.LoadLimits(a.cfg.RateLimit.LimitsFile)
	if err != nil {
		return err
	}
	for _, cfg := range limits {
		if _, err := a.rateLimit.RegisterConfig(cfg); err != nil {
			return fmt.Errorf("register config %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func (a *app) close() {
	a.cache.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close redis client", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
