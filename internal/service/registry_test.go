package service_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := service.NewRegistry()

	cfg, err := r.Register(limiter.Config{Name: "a", MaxRequests: 1, WindowSeconds: 1, Strategy: limiter.StrategySlidingWindow})
	require.NoError(t, err)
	assert.Equal(t, "ratelimit:a", cfg.KeyPrefix)

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = r.Get("b")
	assert.ErrorIs(t, err, service.ErrUnknownConfig)
}

func TestRegistry_KeepsExplicitPrefix(t *testing.T) {
	r := service.NewRegistry()

	cfg, err := r.Register(limiter.Config{Name: "a", MaxRequests: 1, WindowSeconds: 1, KeyPrefix: "bot"})
	require.NoError(t, err)
	assert.Equal(t, "bot", cfg.KeyPrefix)
}

func TestRegistry_ListIsACopy(t *testing.T) {
	r := service.NewRegistry()
	_, err := r.Register(limiter.Config{Name: "a", MaxRequests: 1, WindowSeconds: 1})
	require.NoError(t, err)

	list := r.List()
	delete(list, "a")

	_, err = r.Get("a")
	assert.NoError(t, err)
}

func TestRegistry_Names(t *testing.T) {
	r := service.NewRegistry()
	for _, cfg := range service.DefaultConfigs() {
		_, err := r.Register(cfg)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		service.ConfigAdminCommands,
		service.ConfigChannelManagement,
		service.ConfigExpensiveAnalysis,
		service.ConfigUserMessages,
	}, r.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := service.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(limiter.Config{Name: fmt.Sprintf("cfg-%d", i), MaxRequests: 1, WindowSeconds: 1})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()

	assert.Len(t, r.List(), 20)
}
