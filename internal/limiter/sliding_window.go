package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mohammadhprp/modguard/internal/storage"
	"go.uber.org/zap"
)

// SlidingWindow implements the Sliding Window (Log) rate limiting algorithm.
//
// How it works:
// 1. Keeps one sorted set per identifier; each request is a member scored
//    by its timestamp in microseconds
// 2. On every check, members older than now - window are pruned
// 3. The current request is added, then the set is counted
// 4. Over the limit, the request is denied and its member removed again, so
//    a denied request never counts against later windows
//
// Advantages:
// - Exact rolling-window semantics, no boundary double admission
//
// Disadvantages:
// - O(log n) bookkeeping per request and several round trips per check
// - The set is capped at maxRequests+1 members so abuse cannot grow it
//
// State: <prefix>:sliding:<identifier> -> sorted set, TTL = window
type SlidingWindow struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewSlidingWindow creates a new Sliding Window rate limiter.
//
//	limiter := NewSlidingWindow(store, logger)
func NewSlidingWindow(store storage.Store, logger *zap.Logger, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		store:  store,
		logger: logger,
		now:    o.now,
	}
}

// Name returns the strategy name
func (sw *SlidingWindow) Name() string {
	return StrategySlidingWindow
}

// Check records the request in the rolling window and decides on it.
func (sw *SlidingWindow) Check(ctx context.Context, identifier string, cfg Config) (Decision, error) {
	stateKey := sw.stateKey(cfg, identifier)
	now := sw.now()
	nowMicro := now.UnixMicro()
	windowStart := nowMicro - cfg.Window().Microseconds()

	// Scores are whole microseconds, so "< windowStart" is "<= windowStart-1"
	if err := sw.store.ZRemRangeByScore(ctx, stateKey, math.Inf(-1), float64(windowStart-1)); err != nil {
		return Decision{}, fmt.Errorf("prune sliding window: %w", err)
	}

	// The uuid suffix keeps members unique when requests share a microsecond
	member := strconv.FormatInt(nowMicro, 10) + "-" + uuid.NewString()
	if err := sw.store.ZAdd(ctx, stateKey, float64(nowMicro), member, cfg.Window()); err != nil {
		return Decision{}, fmt.Errorf("add sliding window entry: %w", err)
	}

	// Keep only the newest maxRequests+1 members
	if err := sw.store.ZRemRangeByRank(ctx, stateKey, 0, -(cfg.MaxRequests + 2)); err != nil {
		return Decision{}, fmt.Errorf("trim sliding window: %w", err)
	}

	count, err := sw.store.ZCard(ctx, stateKey)
	if err != nil {
		return Decision{}, fmt.Errorf("count sliding window: %w", err)
	}

	allowed := count <= cfg.MaxRequests
	if !allowed {
		if err := sw.store.ZRem(ctx, stateKey, member); err != nil {
			return Decision{}, fmt.Errorf("remove denied sliding window entry: %w", err)
		}
		if err := sw.store.Expire(ctx, stateKey, cfg.Window()); err != nil {
			return Decision{}, fmt.Errorf("expire sliding window: %w", err)
		}
	}

	resetAt := now.Add(cfg.Window())
	oldest, err := sw.store.ZRangeWithScores(ctx, stateKey, 0, 0)
	if err != nil {
		return Decision{}, fmt.Errorf("read oldest sliding window entry: %w", err)
	}
	if len(oldest) > 0 {
		resetAt = time.UnixMicro(int64(oldest[0].Score)).Add(cfg.Window())
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     cfg.MaxRequests,
		Remaining: remainingOf(cfg.MaxRequests, count),
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = resetAt.Sub(now)
		sw.logger.Debug("sliding window limit exceeded",
			zap.String("config", cfg.Name),
			zap.String("identifier", identifier),
		)
	}

	return decision, nil
}

// Usage counts live entries without pruning or adding any.
func (sw *SlidingWindow) Usage(ctx context.Context, identifier string, cfg Config) (Usage, error) {
	now := sw.now()
	windowStart := float64(now.UnixMicro() - cfg.Window().Microseconds())

	members, err := sw.store.ZRangeWithScores(ctx, sw.stateKey(cfg, identifier), 0, -1)
	if err != nil {
		return Usage{}, fmt.Errorf("read sliding window: %w", err)
	}

	usage := Usage{ResetAt: now.Add(cfg.Window())}
	for _, m := range members {
		if m.Score < windowStart {
			continue
		}
		if usage.Count == 0 {
			usage.ResetAt = time.UnixMicro(int64(m.Score)).Add(cfg.Window())
		}
		usage.Count++
	}
	usage.Remaining = remainingOf(cfg.MaxRequests, usage.Count)

	return usage, nil
}

// Reset clears the sliding window state for the identifier.
func (sw *SlidingWindow) Reset(ctx context.Context, identifier string, cfg Config) error {
	if err := sw.store.Delete(ctx, sw.stateKey(cfg, identifier)); err != nil {
		return fmt.Errorf("reset sliding window state: %w", err)
	}
	return nil
}

func (sw *SlidingWindow) stateKey(cfg Config, identifier string) string {
	return fmt.Sprintf("%s:sliding:%s", cfg.KeyPrefix, identifier)
}
