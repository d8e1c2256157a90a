package limiter

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"time"

	"github.com/mohammadhprp/modguard/internal/storage"
	"go.uber.org/zap"
)

const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

// TokenBucket implements the Token Bucket rate limiting algorithm.
//
// How it works:
// 1. A bucket holds up to maxRequests tokens and starts full
// 2. Tokens are refilled at maxRequests / window tokens per second, in whole
//    tokens; partial progress towards the next token is kept
// 3. Each request consumes 1 token; an empty bucket denies the request
// 4. Unused tokens are lost (they don't accumulate beyond capacity)
//
// Advantages:
// - Smooths bursts instead of hard-capping per interval
// - Handles burst traffic well (up to capacity)
//
// Disadvantages:
// - Read-compute-write over several round trips; concurrent checks for the
//   same identifier may both spend the last token
//
// State: <prefix>:bucket:<identifier> -> hash {tokens, last_refill}, TTL = 2x window
type TokenBucket struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// tokenBucketState represents the persistent state of a token bucket
type tokenBucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// NewTokenBucket creates a new Token Bucket rate limiter.
//
//	limiter := NewTokenBucket(store, logger)
func NewTokenBucket(store storage.Store, logger *zap.Logger, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		store:  store,
		logger: logger,
		now:    o.now,
	}
}

// Name returns the strategy name
func (tb *TokenBucket) Name() string {
	return StrategyTokenBucket
}

// Check consumes a token if one is available.
func (tb *TokenBucket) Check(ctx context.Context, identifier string, cfg Config) (Decision, error) {
	stateKey := tb.stateKey(cfg, identifier)
	now := tb.now()

	state, err := tb.getBucketState(ctx, stateKey, cfg, now)
	if err != nil {
		return Decision{}, err
	}
	tb.refill(state, now, cfg)

	allowed := state.Tokens >= 1
	if allowed {
		state.Tokens--
	}

	// A denial persists the unchanged state, which also refreshes the TTL
	if err := tb.setBucketState(ctx, stateKey, cfg, state); err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     cfg.MaxRequests,
		Remaining: int64(math.Floor(state.Tokens)),
		ResetAt:   tb.fullAt(state, cfg),
	}
	if !allowed {
		decision.RetryAfter = state.LastRefill.Add(tokenInterval(cfg)).Sub(now)
		tb.logger.Debug("token bucket empty",
			zap.String("config", cfg.Name),
			zap.String("identifier", identifier),
		)
	}

	return decision, nil
}

// Usage computes the refilled bucket without persisting it.
func (tb *TokenBucket) Usage(ctx context.Context, identifier string, cfg Config) (Usage, error) {
	now := tb.now()

	state, err := tb.getBucketState(ctx, tb.stateKey(cfg, identifier), cfg, now)
	if err != nil {
		return Usage{}, err
	}
	tb.refill(state, now, cfg)

	remaining := int64(math.Floor(state.Tokens))
	return Usage{
		Count:     cfg.MaxRequests - remaining,
		Remaining: remaining,
		ResetAt:   tb.fullAt(state, cfg),
	}, nil
}

// Reset clears the bucket state for the identifier.
func (tb *TokenBucket) Reset(ctx context.Context, identifier string, cfg Config) error {
	if err := tb.store.Delete(ctx, tb.stateKey(cfg, identifier)); err != nil {
		return fmt.Errorf("reset bucket state: %w", err)
	}
	return nil
}

// refill adds the whole tokens earned since LastRefill. LastRefill advances
// only by the time those tokens represent, or to now once the bucket is full.
func (tb *TokenBucket) refill(state *tokenBucketState, now time.Time, cfg Config) {
	capacity := float64(cfg.MaxRequests)

	elapsed := now.Sub(state.LastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	// A full window refills the whole bucket; clamping keeps the math in range
	if elapsed > cfg.Window() {
		elapsed = cfg.Window()
	}

	tokensToAdd := mulDiv(uint64(elapsed), uint64(cfg.MaxRequests), uint64(cfg.Window()))
	if tokensToAdd > 0 {
		state.Tokens += float64(tokensToAdd)
		state.LastRefill = state.LastRefill.Add(time.Duration(mulDiv(tokensToAdd, uint64(cfg.Window()), uint64(cfg.MaxRequests))))
	}

	if state.Tokens >= capacity {
		state.Tokens = capacity
		state.LastRefill = now
	}
}

// mulDiv returns floor(a*b/c) with a 128-bit intermediate product. The
// quotient must fit in 64 bits.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// fullAt returns when the bucket will be back at capacity
func (tb *TokenBucket) fullAt(state *tokenBucketState, cfg Config) time.Time {
	missing := float64(cfg.MaxRequests) - state.Tokens
	if missing <= 0 {
		return state.LastRefill
	}
	return state.LastRefill.Add(time.Duration(missing * float64(tokenInterval(cfg))))
}

// getBucketState retrieves the bucket state from storage or initializes it
func (tb *TokenBucket) getBucketState(ctx context.Context, stateKey string, cfg Config, now time.Time) (*tokenBucketState, error) {
	fields, err := tb.store.HGetAll(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("get bucket state: %w", err)
	}

	full := &tokenBucketState{Tokens: float64(cfg.MaxRequests), LastRefill: now}
	if len(fields) == 0 {
		return full, nil
	}

	tokens, err := strconv.ParseFloat(fields[fieldTokens], 64)
	if err != nil {
		tb.logger.Warn("failed to parse bucket tokens, reinitializing", zap.String("key", stateKey), zap.Error(err))
		return full, nil
	}
	lastRefill, err := strconv.ParseInt(fields[fieldLastRefill], 10, 64)
	if err != nil {
		tb.logger.Warn("failed to parse bucket refill time, reinitializing", zap.String("key", stateKey), zap.Error(err))
		return full, nil
	}

	return &tokenBucketState{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(lastRefill),
	}, nil
}

// setBucketState persists the bucket state, expiring after two idle windows
func (tb *TokenBucket) setBucketState(ctx context.Context, stateKey string, cfg Config, state *tokenBucketState) error {
	fields := map[string]string{
		fieldTokens:     strconv.FormatFloat(state.Tokens, 'f', -1, 64),
		fieldLastRefill: strconv.FormatInt(state.LastRefill.UnixMicro(), 10),
	}
	if err := tb.store.HSet(ctx, stateKey, fields, 2*cfg.Window()); err != nil {
		return fmt.Errorf("set bucket state: %w", err)
	}
	return nil
}

func (tb *TokenBucket) stateKey(cfg Config, identifier string) string {
	return fmt.Sprintf("%s:bucket:%s", cfg.KeyPrefix, identifier)
}

// tokenInterval is the time it takes to earn one token
func tokenInterval(cfg Config) time.Duration {
	return cfg.Window() / time.Duration(cfg.MaxRequests)
}
