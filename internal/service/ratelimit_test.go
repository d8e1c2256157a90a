package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mohammadhprp/modguard/internal/blocker"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
	"github.com/mohammadhprp/modguard/internal/storage"
	"github.com/mohammadhprp/modguard/internal/testutil"
)

var epoch = time.Unix(1_700_000_000, 0)

// MockRecorder captures metrics in memory for assertion
type MockRecorder struct {
	mu       sync.Mutex
	Counters map[string]float64
	Timings  map[string][]float64
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Counters: make(map[string]float64),
		Timings:  make(map[string][]float64),
	}
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
}

// slowStore never answers block lookups before the context expires
type slowStore struct {
	storage.Store
}

func (s slowStore) Get(ctx context.Context, key string) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: get: %w", storage.ErrUnavailable, ctx.Err())
}

func newService(t *testing.T, store storage.Store, opts ...service.Option) (*service.RateLimitService, *testutil.Clock) {
	t.Helper()

	clock := testutil.NewClock(epoch)
	if store == nil {
		mem := storage.NewMemoryStore(storage.WithMemoryClock(clock.Now))
		t.Cleanup(func() { _ = mem.Close() })
		store = mem
	}

	logger := zaptest.NewLogger(t)
	cache := blocker.NewLocalCache(blocker.WithCacheClock(clock.Now))
	t.Cleanup(cache.Close)
	blocks := blocker.NewManager(store, cache, "test", logger, blocker.WithClock(clock.Now))

	opts = append([]service.Option{service.WithClock(clock.Now)}, opts...)
	svc, err := service.NewRateLimitService(store, blocks, logger, opts...)
	require.NoError(t, err)
	return svc, clock
}

func newOutageStore(t *testing.T) (storage.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func register(t *testing.T, svc *service.RateLimitService, name, strategy string, maxRequests int64, windowSeconds int) limiter.Config {
	t.Helper()
	cfg, err := svc.RegisterConfig(limiter.Config{
		Name:          name,
		MaxRequests:   maxRequests,
		WindowSeconds: windowSeconds,
		Strategy:      strategy,
	})
	require.NoError(t, err)
	return cfg
}

func TestCheckRateLimit_Scenario(t *testing.T) {
	svc, clock := newService(t, nil)
	register(t, svc, "scenario", limiter.StrategyFixedWindow, 3, 10)
	ctx := context.Background()

	for i, want := range []int64{2, 1, 0} {
		d, err := svc.CheckRateLimit(ctx, "scenario", "U")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "check %d", i+1)
		assert.Equal(t, want, d.Remaining, "check %d", i+1)
	}

	d, err := svc.CheckRateLimit(ctx, "scenario", "U")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked)
	assert.Greater(t, d.RetryAfterSeconds(), int64(0))
	assert.Equal(t, int64(300), d.RetryAfterSeconds())

	// The window has rolled over but the block still holds
	clock.Advance(15 * time.Second)
	d, err = svc.CheckRateLimit(ctx, "scenario", "U")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked)
	assert.Equal(t, int64(285), d.RetryAfterSeconds())
}

func TestCheckRateLimit_BlockPrecedenceAndExpiry(t *testing.T) {
	for _, strategy := range limiter.Strategies() {
		t.Run(strategy, func(t *testing.T) {
			svc, clock := newService(t, nil)
			register(t, svc, "cfg", strategy, 2, 10)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				d, err := svc.CheckRateLimit(ctx, "cfg", "U")
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			d, err := svc.CheckRateLimit(ctx, "cfg", "U")
			require.NoError(t, err)
			require.False(t, d.Allowed)

			// The counter alone would allow again here
			clock.Advance(11 * time.Second)
			d, err = svc.CheckRateLimit(ctx, "cfg", "U")
			require.NoError(t, err)
			assert.False(t, d.Allowed, "block should take precedence over counting")
			assert.True(t, d.Blocked)

			clock.Advance(289 * time.Second)
			d, err = svc.CheckRateLimit(ctx, "cfg", "U")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "identifier should leave the blocked state")
			assert.False(t, d.Blocked)
		})
	}
}

func TestCheckRateLimit_BlockDurationOption(t *testing.T) {
	svc, clock := newService(t, nil, service.WithBlockDuration(30*time.Second))
	register(t, svc, "cfg", limiter.StrategyFixedWindow, 1, 10)
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "cfg", "U")
	d, _ := svc.CheckRateLimit(ctx, "cfg", "U")
	require.False(t, d.Allowed)
	assert.Equal(t, int64(30), d.RetryAfterSeconds())

	clock.Advance(30 * time.Second)
	d, err := svc.CheckRateLimit(ctx, "cfg", "U")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRateLimit_IndependentIdentifiers(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "cfg", limiter.StrategySlidingWindow, 1, 10)
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "cfg", "a")
	d, _ := svc.CheckRateLimit(ctx, "cfg", "a")
	require.False(t, d.Allowed)

	d, err := svc.CheckRateLimit(ctx, "cfg", "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestResetLimit(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "cfg", limiter.StrategyTokenBucket, 2, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.CheckRateLimit(ctx, "cfg", "U")
	}

	ok, err := svc.ResetLimit(ctx, "cfg", "U")
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := svc.CheckRateLimit(ctx, "cfg", "U")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining, "identifier should behave as new")
}

func TestGetUsageInfo_ReadOnly(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "cfg", limiter.StrategyFixedWindow, 5, 10)
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "cfg", "U")
	svc.CheckRateLimit(ctx, "cfg", "U")

	for i := 0; i < 5; i++ {
		snap, err := svc.GetUsageInfo(ctx, "cfg", "U")
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Count)
		assert.Equal(t, int64(3), snap.Remaining)
		assert.Equal(t, int64(5), snap.Limit)
		assert.Equal(t, limiter.StrategyFixedWindow, snap.Strategy)
		assert.False(t, snap.Blocked)
		assert.Nil(t, snap.BlockedUntil)
	}

	d, err := svc.CheckRateLimit(ctx, "cfg", "U")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestGetUsageInfo_ReportsBlock(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "cfg", limiter.StrategyFixedWindow, 1, 10)
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "cfg", "U")
	svc.CheckRateLimit(ctx, "cfg", "U")

	snap, err := svc.GetUsageInfo(ctx, "cfg", "U")
	require.NoError(t, err)
	assert.True(t, snap.Blocked)
	require.NotNil(t, snap.BlockedUntil)
	assert.True(t, snap.BlockedUntil.Equal(epoch.Add(service.DefaultBlockDuration)))
}

func TestCheckRateLimit_FailOpen(t *testing.T) {
	store, mr := newOutageStore(t)
	recorder := NewMockRecorder()
	svc, _ := newService(t, store, service.WithRecorder(recorder))
	ctx := context.Background()

	mr.SetError("ERR simulated outage")

	d, err := svc.CheckRateLimit(ctx, service.ConfigUserMessages, "U")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, float64(1), recorder.Counters[service.MetricStoreError])
}

func TestCheckRateLimit_FailClosed(t *testing.T) {
	store, mr := newOutageStore(t)
	svc, _ := newService(t, store, service.WithFailOpen(false))
	ctx := context.Background()

	mr.SetError("ERR simulated outage")

	d, err := svc.CheckRateLimit(ctx, service.ConfigUserMessages, "U")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.False(t, d.Blocked)
	assert.Equal(t, 60*time.Second, d.RetryAfter)

	mr.SetError("")
	d, err = svc.CheckRateLimit(ctx, service.ConfigUserMessages, "U")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "checks should recover with the store")
	assert.False(t, d.Degraded)
}

func TestUsageAndReset_StoreUnavailable(t *testing.T) {
	store, mr := newOutageStore(t)
	svc, _ := newService(t, store)
	ctx := context.Background()

	mr.SetError("ERR simulated outage")

	_, err := svc.GetUsageInfo(ctx, service.ConfigUserMessages, "U")
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	ok, err := svc.ResetLimit(ctx, service.ConfigUserMessages, "U")
	assert.False(t, ok)
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
}

func TestCheckRateLimit_StoreTimeout(t *testing.T) {
	mem := storage.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	svc, _ := newService(t, slowStore{mem},
		service.WithStoreTimeout(10*time.Millisecond),
		service.WithFailOpen(false),
	)

	start := time.Now()
	d, err := svc.CheckRateLimit(context.Background(), service.ConfigUserMessages, "U")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckRateLimit_Errors(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	_, err := svc.CheckRateLimit(ctx, "missing", "U")
	assert.ErrorIs(t, err, service.ErrUnknownConfig)

	_, err = svc.CheckRateLimit(ctx, service.ConfigUserMessages, "")
	assert.ErrorIs(t, err, service.ErrEmptyIdentifier)

	_, err = svc.GetUsageInfo(ctx, "missing", "U")
	assert.ErrorIs(t, err, service.ErrUnknownConfig)

	_, err = svc.ResetLimit(ctx, "missing", "U")
	assert.ErrorIs(t, err, service.ErrUnknownConfig)
}

func TestRegisterConfig(t *testing.T) {
	svc, _ := newService(t, nil)

	cfg := register(t, svc, "custom", "", 7, 30)
	assert.Equal(t, limiter.StrategyTokenBucket, cfg.Strategy, "token bucket is the default strategy")
	assert.Equal(t, "ratelimit:custom", cfg.KeyPrefix)

	_, err := svc.RegisterConfig(limiter.Config{Name: "custom", MaxRequests: 1, WindowSeconds: 1})
	assert.ErrorIs(t, err, service.ErrDuplicateConfig)

	_, err = svc.RegisterConfig(limiter.Config{Name: "leaky", MaxRequests: 1, WindowSeconds: 1, Strategy: "leaky_bucket"})
	assert.ErrorIs(t, err, limiter.ErrInvalidStrategy)

	_, err = svc.RegisterConfig(limiter.Config{Name: "zero", MaxRequests: 0, WindowSeconds: 1})
	assert.ErrorIs(t, err, limiter.ErrInvalidConfig)

	got, err := svc.GetConfig("custom")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestListConfigs_Defaults(t *testing.T) {
	svc, _ := newService(t, nil)

	configs := svc.ListConfigs()
	require.Len(t, configs, 4)

	for name, want := range map[string][2]int64{
		service.ConfigUserMessages:      {10, 60},
		service.ConfigAdminCommands:     {30, 60},
		service.ConfigExpensiveAnalysis: {5, 300},
		service.ConfigChannelManagement: {20, 60},
	} {
		cfg, ok := configs[name]
		require.True(t, ok, name)
		assert.Equal(t, want[0], cfg.MaxRequests, name)
		assert.Equal(t, int(want[1]), cfg.WindowSeconds, name)
		assert.Equal(t, limiter.StrategyTokenBucket, cfg.Strategy, name)
	}
}

func TestCheckEvent_NamespacesPrivilege(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "cfg", limiter.StrategyFixedWindow, 1, 10)
	ctx := context.Background()

	d, err := svc.CheckEvent(ctx, service.Event{ConfigName: "cfg", Identifier: "42"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, _ = svc.CheckEvent(ctx, service.Event{ConfigName: "cfg", Identifier: "42"})
	assert.False(t, d.Allowed)

	d, err = svc.CheckEvent(ctx, service.Event{ConfigName: "cfg", Identifier: "42", Privileged: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "privileged usage should not share the normal identity's state")

	snap, err := svc.GetUsageInfo(ctx, "cfg", service.Identifier("42", false))
	require.NoError(t, err)
	assert.True(t, snap.Blocked)
	assert.Equal(t, "user:42", snap.Identifier)
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "user:7", service.Identifier("7", false))
	assert.Equal(t, "admin:7", service.Identifier("7", true))
	assert.Equal(t, "", service.Identifier("", true))
}

func TestCheckRateLimit_Metrics(t *testing.T) {
	recorder := NewMockRecorder()
	svc, _ := newService(t, nil, service.WithRecorder(recorder))
	register(t, svc, "cfg", limiter.StrategyFixedWindow, 1, 10)
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "cfg", "U")
	svc.CheckRateLimit(ctx, "cfg", "U")
	svc.CheckRateLimit(ctx, "cfg", "U")

	assert.Equal(t, float64(3), recorder.Counters[service.MetricCheck])
	assert.Equal(t, float64(2), recorder.Counters[service.MetricDenied])
	assert.Equal(t, float64(1), recorder.Counters[service.MetricBlocked])
	assert.Len(t, recorder.Timings[service.MetricLatency], 3)
}

func TestNewRateLimitService_InvalidBlockDuration(t *testing.T) {
	_, err := service.NewRateLimitService(storage.NewMemoryStore(), nil, nil, service.WithBlockDuration(0))
	assert.ErrorIs(t, err, blocker.ErrInvalidDuration)
}

func TestNewRateLimitService_DefaultBlockManager(t *testing.T) {
	clock := testutil.NewClock(epoch)
	store := storage.NewMemoryStore(storage.WithMemoryClock(clock.Now))
	defer store.Close()

	svc, err := service.NewRateLimitService(store, nil, zaptest.NewLogger(t), service.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RegisterConfig(limiter.Config{Name: "cfg", MaxRequests: 1, WindowSeconds: 10})
	require.NoError(t, err)

	svc.CheckRateLimit(ctx, "cfg", "U")
	d, _ := svc.CheckRateLimit(ctx, "cfg", "U")
	assert.True(t, d.Blocked)

	raw, err := store.Get(ctx, "ratelimit:blocked:U")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}
