package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mohammadhprp/modguard/internal/service"
	"github.com/mohammadhprp/modguard/internal/storage"
)

// pingStore fails or stalls pings and delegates everything else
type pingStore struct {
	storage.Store
	pingErr  error
	hangPing bool
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.hangPing {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.pingErr
}

func TestHealthService_GetHealthStatus_Healthy(t *testing.T) {
	svc := service.NewHealthService(storage.NewMemoryStore(), zaptest.NewLogger(t), time.Second)

	status, timestamp, err := svc.GetHealthStatus(context.Background())
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if status != service.HealthStatusHealthy {
		t.Errorf("expected status %q, got %q", service.HealthStatusHealthy, status)
	}
	if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
		t.Errorf("timestamp is not in RFC3339 format: %s", timestamp)
	}
}

func TestHealthService_GetHealthStatus_Unhealthy(t *testing.T) {
	for _, pingErr := range []error{errors.New("store is down"), context.DeadlineExceeded, context.Canceled} {
		store := &pingStore{Store: storage.NewMemoryStore(), pingErr: pingErr}
		svc := service.NewHealthService(store, zaptest.NewLogger(t), time.Second)

		status, timestamp, err := svc.GetHealthStatus(context.Background())
		if !errors.Is(err, pingErr) {
			t.Errorf("expected %v, got %v", pingErr, err)
		}
		if status != service.HealthStatusUnhealthy {
			t.Errorf("expected status %q, got %q", service.HealthStatusUnhealthy, status)
		}
		if timestamp == "" {
			t.Errorf("expected non-empty timestamp even on error")
		}
	}
}

func TestHealthService_Ping_Timeout(t *testing.T) {
	store := &pingStore{Store: storage.NewMemoryStore(), hangPing: true}
	svc := service.NewHealthService(store, zaptest.NewLogger(t), 20*time.Millisecond)

	start := time.Now()
	err := svc.Ping(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ping was not bounded by the timeout: %v", elapsed)
	}
}

func TestHealthService_GetHealthStatus_ConcurrentRequests(t *testing.T) {
	svc := service.NewHealthService(storage.NewMemoryStore(), zaptest.NewLogger(t), time.Second)

	var wg sync.WaitGroup
	var healthy atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := svc.GetHealthStatus(context.Background())
			if err == nil && status == service.HealthStatusHealthy {
				healthy.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := healthy.Load(); got != 10 {
		t.Errorf("expected 10 successful checks, got %d", got)
	}
}
