package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammadhprp/modguard/internal/storage"
	"go.uber.org/zap"
)

// Strategy names
const (
	StrategyFixedWindow   = "fixed_window"
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"

	// DefaultStrategy is used when a config names no strategy
	DefaultStrategy = StrategyTokenBucket
)

var (
	ErrInvalidConfig   = errors.New("invalid limit config")
	ErrInvalidStrategy = errors.New("invalid strategy")
)

// Strategies lists every supported strategy name.
func Strategies() []string {
	return []string{StrategyFixedWindow, StrategySlidingWindow, StrategyTokenBucket}
}

// Config is a named limit policy. It is treated as an immutable value.
type Config struct {
	Name          string `json:"name" yaml:"name"`
	MaxRequests   int64  `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
	Strategy      string `json:"strategy" yaml:"strategy"`
}

// Window returns the window length as a duration
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Normalize fills the strategy and key prefix defaults.
func (c Config) Normalize() Config {
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ratelimit:" + c.Name
	}
	return c
}

// Validate reports why the config cannot be used, if it cannot.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be greater than 0", ErrInvalidConfig)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be greater than 0", ErrInvalidConfig)
	}
	if c.Strategy != "" && !IsValidStrategy(c.Strategy) {
		return fmt.Errorf("%w: %s", ErrInvalidStrategy, c.Strategy)
	}
	return nil
}

// IsValidStrategy reports whether name is a supported strategy.
func IsValidStrategy(name string) bool {
	for _, s := range Strategies() {
		if s == name {
			return true
		}
	}
	return false
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
	// Blocked marks a denial that comes from, or escalated into, a block
	Blocked bool `json:"blocked"`
	// Degraded marks a decision taken by the store failure policy
	Degraded bool `json:"degraded"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. A denial always
// reports at least one second; an allowed decision reports zero.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Usage is a read-only view of an identifier's state under one config.
type Usage struct {
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Strategy is a counting algorithm backed by the shared store. Config is
// passed per call so one instance serves every config using the strategy.
// Implementations return store errors unchanged in meaning; failure policy
// belongs to the caller.
type Strategy interface {
	// Name returns the strategy name
	Name() string

	// Check counts one request and decides whether it is allowed
	Check(ctx context.Context, identifier string, cfg Config) (Decision, error)

	// Usage reports the current state without counting a request
	Usage(ctx context.Context, identifier string, cfg Config) (Usage, error)

	// Reset clears the state for the identifier under cfg
	Reset(ctx context.Context, identifier string, cfg Config) error
}

// Option configures a strategy
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now as the strategy's time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New constructs the named strategy.
func New(name string, store storage.Store, logger *zap.Logger, opts ...Option) (Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch name {
	case StrategyFixedWindow:
		return NewFixedWindow(store, logger, opts...), nil
	case StrategySlidingWindow:
		return NewSlidingWindow(store, logger, opts...), nil
	case StrategyTokenBucket:
		return NewTokenBucket(store, logger, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrategy, name)
	}
}

func remainingOf(max, used int64) int64 {
	if used >= max {
		return 0
	}
	return max - used
}
