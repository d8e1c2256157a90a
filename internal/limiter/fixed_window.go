package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mohammadhprp/modguard/internal/storage"
	"go.uber.org/zap"
)

// FixedWindow implements the Fixed Window (Counting) rate limiting algorithm.
//
// How it works:
// 1. Divides time into windows aligned to the epoch (index = now / window)
// 2. Atomically increments one counter per (identifier, window index)
// 3. Allows the request while the post-increment count is within the limit
// 4. The counter expires with its window, so a new window starts from zero
//
// Advantages:
// - One atomic INCR per request, race-free across processes
// - Minimal memory usage
//
// Disadvantages:
// - Bursts straddling a boundary can admit up to 2x the limit in a short
//   interval. This is inherent to the algorithm and kept as is.
//
// State: <prefix>:fixed:<identifier>:<windowIndex> -> integer, TTL = window
type FixedWindow struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewFixedWindow creates a new Fixed Window rate limiter.
//
//	limiter := NewFixedWindow(store, logger)
//	decision, err := limiter.Check(ctx, "user:42", cfg)
func NewFixedWindow(store storage.Store, logger *zap.Logger, opts ...Option) *FixedWindow {
	o := buildOptions(opts)
	return &FixedWindow{
		store:  store,
		logger: logger,
		now:    o.now,
	}
}

// Name returns the strategy name
func (fw *FixedWindow) Name() string {
	return StrategyFixedWindow
}

// Check counts a request in the current window.
func (fw *FixedWindow) Check(ctx context.Context, identifier string, cfg Config) (Decision, error) {
	now := fw.now()
	index, resetAt := fw.window(now, cfg)

	count, err := fw.store.Increment(ctx, fw.stateKey(cfg, identifier, index), cfg.Window())
	if err != nil {
		return Decision{}, fmt.Errorf("increment fixed window counter: %w", err)
	}

	decision := Decision{
		Allowed:   count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Remaining: remainingOf(cfg.MaxRequests, count),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		fw.logger.Debug("fixed window limit exceeded",
			zap.String("config", cfg.Name),
			zap.String("identifier", identifier),
			zap.Int64("count", count),
		)
	}

	return decision, nil
}

// Usage reads the current window counter without incrementing it.
func (fw *FixedWindow) Usage(ctx context.Context, identifier string, cfg Config) (Usage, error) {
	index, resetAt := fw.window(fw.now(), cfg)

	raw, err := fw.store.Get(ctx, fw.stateKey(cfg, identifier, index))
	if err != nil {
		return Usage{}, fmt.Errorf("get fixed window counter: %w", err)
	}

	var count int64
	if raw != "" {
		count, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fw.logger.Warn("failed to parse fixed window counter", zap.String("identifier", identifier), zap.Error(err))
			count = 0
		}
	}

	return Usage{
		Count:     count,
		Remaining: remainingOf(cfg.MaxRequests, count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the current window counter for the identifier.
func (fw *FixedWindow) Reset(ctx context.Context, identifier string, cfg Config) error {
	index, _ := fw.window(fw.now(), cfg)
	if err := fw.store.Delete(ctx, fw.stateKey(cfg, identifier, index)); err != nil {
		return fmt.Errorf("reset fixed window state: %w", err)
	}
	return nil
}

// window returns the index of the window containing now and when it ends
func (fw *FixedWindow) window(now time.Time, cfg Config) (int64, time.Time) {
	size := int64(cfg.WindowSeconds)
	index := now.Unix() / size
	return index, time.Unix((index+1)*size, 0)
}

func (fw *FixedWindow) stateKey(cfg Config, identifier string, index int64) string {
	return fmt.Sprintf("%s:fixed:%s:%d", cfg.KeyPrefix, identifier, index)
}
