package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mohammadhprp/modguard/internal/blocker"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/storage"
)

// UsageSnapshot is a read-only view of an identifier under one config
type UsageSnapshot struct {
	Config       string     `json:"config"`
	Identifier   string     `json:"identifier"`
	Strategy     string     `json:"strategy"`
	Limit        int64      `json:"limit"`
	Count        int64      `json:"count"`
	Remaining    int64      `json:"remaining"`
	ResetAt      time.Time  `json:"reset_at"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Event is what the dispatch layer hands over for each inbound update
type Event struct {
	ConfigName string `json:"config"`
	Identifier string `json:"identifier"`
	Privileged bool   `json:"privileged"`
}

// Identifier namespaces a raw identity so privileged and normal usage of
// the same person never share counters or blocks.
func Identifier(id string, privileged bool) string {
	if id == "" {
		return ""
	}
	if privileged {
		return PrivilegedNamespace + ":" + id
	}
	return NormalNamespace + ":" + id
}

// RateLimitService is the entry point for rate limit checks. It resolves
// named configs, short-circuits blocked identifiers, delegates counting to
// the configured strategy and escalates denials into blocks.
type RateLimitService struct {
	registry   *Registry
	strategies map[string]limiter.Strategy
	blocks     *blocker.Manager
	logger     *zap.Logger
	recorder   Recorder

	failOpen      bool
	blockDuration time.Duration
	storeTimeout  time.Duration
	now           func() time.Time
}

// Option configures a RateLimitService
type Option func(*RateLimitService)

// WithFailOpen selects the policy for store failures during a check: allow
// (true, the default) or deny (false).
func WithFailOpen(failOpen bool) Option {
	return func(s *RateLimitService) {
		s.failOpen = failOpen
	}
}

// WithBlockDuration sets how long a denial blocks the identifier
func WithBlockDuration(d time.Duration) Option {
	return func(s *RateLimitService) {
		s.blockDuration = d
	}
}

// WithStoreTimeout bounds every store operation. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *RateLimitService) {
		s.storeTimeout = d
	}
}

// WithRecorder injects a metrics backend
func WithRecorder(r Recorder) Option {
	return func(s *RateLimitService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock overrides the time source, including the strategies'
func WithClock(now func() time.Time) Option {
	return func(s *RateLimitService) {
		s.now = now
	}
}

// NewRateLimitService creates the facade with the default configs
// registered. A nil blocks manager gets one over store with default settings.
func NewRateLimitService(store storage.Store, blocks *blocker.Manager, logger *zap.Logger, opts ...Option) (*RateLimitService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RateLimitService{
		registry:      NewRegistry(),
		strategies:    make(map[string]limiter.Strategy),
		logger:        logger,
		recorder:      NoOpRecorder{},
		failOpen:      true,
		blockDuration: DefaultBlockDuration,
		storeTimeout:  DefaultStoreTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.blockDuration <= 0 {
		return nil, fmt.Errorf("%w: %v", blocker.ErrInvalidDuration, s.blockDuration)
	}

	if blocks == nil {
		cache := blocker.NewLocalCache(blocker.WithCacheClock(s.now))
		blocks = blocker.NewManager(store, cache, blocker.DefaultPrefix, logger, blocker.WithClock(s.now))
	}
	s.blocks = blocks

	for _, name := range limiter.Strategies() {
		strategy, err := limiter.New(name, store, logger, limiter.WithClock(s.now))
		if err != nil {
			return nil, err
		}
		s.strategies[name] = strategy
	}

	for _, cfg := range DefaultConfigs() {
		if _, err := s.registry.Register(cfg); err != nil {
			return nil, fmt.Errorf("register default config %s: %w", cfg.Name, err)
		}
	}

	return s, nil
}

// CheckRateLimit counts one request from identifier against the named
// config. Store failures never surface as errors here; they yield a
// Degraded decision according to the fail policy.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, configName, identifier string) (limiter.Decision, error) {
	start := time.Now()

	if identifier == "" {
		return limiter.Decision{}, ErrEmptyIdentifier
	}
	cfg, err := s.registry.Get(configName)
	if err != nil {
		return limiter.Decision{}, err
	}

	tags := map[string]string{"config": cfg.Name, "strategy": cfg.Strategy}
	s.recorder.Add(MetricCheck, 1, tags)
	defer func() {
		s.recorder.Observe(MetricLatency, time.Since(start).Seconds(), tags)
	}()

	opCtx, cancel := s.withTimeout(ctx)
	until, blocked, err := s.blocks.BlockedUntil(opCtx, identifier)
	cancel()
	if err != nil {
		return s.degraded(cfg, "is_blocked", identifier, err, tags), nil
	}
	if blocked {
		s.recorder.Add(MetricDenied, 1, tags)
		return limiter.Decision{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: until.Sub(s.now()),
			Blocked:    true,
		}, nil
	}

	opCtx, cancel = s.withTimeout(ctx)
	decision, err := s.strategies[cfg.Strategy].Check(opCtx, identifier, cfg)
	cancel()
	if err != nil {
		return s.degraded(cfg, "check", identifier, err, tags), nil
	}
	if decision.Allowed {
		return decision, nil
	}

	s.recorder.Add(MetricDenied, 1, tags)

	opCtx, cancel = s.withTimeout(ctx)
	until, err = s.blocks.Block(opCtx, identifier, s.blockDuration)
	cancel()
	if err != nil {
		// The denial stands even if the block could not be recorded
		s.logger.Error("failed to block identifier",
			zap.String("config", cfg.Name),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		s.recorder.Add(MetricStoreError, 1, tags)
		return decision, nil
	}

	s.recorder.Add(MetricBlocked, 1, tags)
	decision.Blocked = true
	decision.ResetAt = until
	decision.RetryAfter = until.Sub(s.now())
	return decision, nil
}

// CheckEvent checks an inbound event from the dispatch layer
func (s *RateLimitService) CheckEvent(ctx context.Context, ev Event) (limiter.Decision, error) {
	return s.CheckRateLimit(ctx, ev.ConfigName, Identifier(ev.Identifier, ev.Privileged))
}

// GetUsageInfo reports the identifier's state under the named config
// without counting a request.
func (s *RateLimitService) GetUsageInfo(ctx context.Context, configName, identifier string) (UsageSnapshot, error) {
	if identifier == "" {
		return UsageSnapshot{}, ErrEmptyIdentifier
	}
	cfg, err := s.registry.Get(configName)
	if err != nil {
		return UsageSnapshot{}, err
	}

	opCtx, cancel := s.withTimeout(ctx)
	usage, err := s.strategies[cfg.Strategy].Usage(opCtx, identifier, cfg)
	cancel()
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	opCtx, cancel = s.withTimeout(ctx)
	until, blocked, err := s.blocks.BlockedUntil(opCtx, identifier)
	cancel()
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	snapshot := UsageSnapshot{
		Config:     cfg.Name,
		Identifier: identifier,
		Strategy:   cfg.Strategy,
		Limit:      cfg.MaxRequests,
		Count:      usage.Count,
		Remaining:  usage.Remaining,
		ResetAt:    usage.ResetAt,
		Blocked:    blocked,
	}
	if blocked {
		snapshot.BlockedUntil = &until
	}
	return snapshot, nil
}

// ResetLimit clears the identifier's counter under the named config and
// any active block on the identifier.
func (s *RateLimitService) ResetLimit(ctx context.Context, configName, identifier string) (bool, error) {
	if identifier == "" {
		return false, ErrEmptyIdentifier
	}
	cfg, err := s.registry.Get(configName)
	if err != nil {
		return false, err
	}

	opCtx, cancel := s.withTimeout(ctx)
	err = s.strategies[cfg.Strategy].Reset(opCtx, identifier, cfg)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	opCtx, cancel = s.withTimeout(ctx)
	err = s.blocks.Reset(opCtx, identifier)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.logger.Info("rate limit reset",
		zap.String("config", cfg.Name),
		zap.String("identifier", identifier),
	)
	return true, nil
}

// RegisterConfig adds a named config. Duplicate names and unknown
// strategies are rejected.
func (s *RateLimitService) RegisterConfig(cfg limiter.Config) (limiter.Config, error) {
	registered, err := s.registry.Register(cfg)
	if err != nil {
		return limiter.Config{}, err
	}

	s.logger.Info("rate limit config registered",
		zap.String("config", registered.Name),
		zap.String("strategy", registered.Strategy),
		zap.Int64("max_requests", registered.MaxRequests),
		zap.Int("window_seconds", registered.WindowSeconds),
	)
	return registered, nil
}

// ListConfigs returns every registered config keyed by name
func (s *RateLimitService) ListConfigs() map[string]limiter.Config {
	return s.registry.List()
}

// GetConfig returns the config registered under name
func (s *RateLimitService) GetConfig(name string) (limiter.Config, error) {
	return s.registry.Get(name)
}

// FailOpen reports the configured store failure policy
func (s *RateLimitService) FailOpen() bool {
	return s.failOpen
}

// degraded builds the decision for a check whose store access failed
func (s *RateLimitService) degraded(cfg limiter.Config, op, identifier string, err error, tags map[string]string) limiter.Decision {
	s.logger.Error("rate limit store unavailable",
		zap.String("operation", op),
		zap.String("config", cfg.Name),
		zap.String("identifier", identifier),
		zap.Bool("fail_open", s.failOpen),
		zap.Error(err),
	)
	s.recorder.Add(MetricStoreError, 1, tags)

	now := s.now()
	if s.failOpen {
		return limiter.Decision{
			Allowed:   true,
			Limit:     cfg.MaxRequests,
			Remaining: cfg.MaxRequests,
			ResetAt:   now.Add(cfg.Window()),
			Degraded:  true,
		}
	}

	s.recorder.Add(MetricDenied, 1, tags)
	return limiter.Decision{
		Allowed:    false,
		Limit:      cfg.MaxRequests,
		Remaining:  0,
		ResetAt:    now.Add(cfg.Window()),
		RetryAfter: cfg.Window(),
		Degraded:   true,
	}
}

func (s *RateLimitService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
