package limiter_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/storage"
	"github.com/mohammadhprp/modguard/internal/testutil"
)

var epoch = time.Unix(1_700_000_000, 0)

// newMemoryStrategy builds a strategy over an in-memory store sharing a fake clock
func newMemoryStrategy(t *testing.T, name string) (limiter.Strategy, *testutil.Clock) {
	t.Helper()

	clock := testutil.NewClock(epoch)
	store := storage.NewMemoryStore(storage.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	strategy, err := limiter.New(name, store, zaptest.NewLogger(t), limiter.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	return strategy, clock
}

// newRedisStrategy builds a strategy over miniredis with a fake clock
func newRedisStrategy(t *testing.T, name string) (limiter.Strategy, *testutil.Clock) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	clock := testutil.NewClock(epoch)
	strategy, err := limiter.New(name, store, zaptest.NewLogger(t), limiter.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	return strategy, clock
}

func testConfig(strategy string, maxRequests int64, windowSeconds int) limiter.Config {
	return limiter.Config{
		Name:          "test",
		MaxRequests:   maxRequests,
		WindowSeconds: windowSeconds,
		KeyPrefix:     "test",
		Strategy:      strategy,
	}
}
