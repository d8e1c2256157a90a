package service

import (
	"context"
	"time"

	"github.com/mohammadhprp/modguard/internal/storage"
	"go.uber.org/zap"
)

// HealthService provides health check functionality
type HealthService struct {
	store   storage.Store
	logger  *zap.Logger
	timeout time.Duration
}

// NewHealthService creates a new health service. Pings are bounded by
// timeout when it is positive.
func NewHealthService(store storage.Store, logger *zap.Logger, timeout time.Duration) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{
		store:   store,
		logger:  logger,
		timeout: timeout,
	}
}

// GetHealthStatus returns the current health status
func (s *HealthService) GetHealthStatus(ctx context.Context) (status string, timestamp string, err error) {
	timestamp = time.Now().Format(time.RFC3339)

	if err := s.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", zap.Error(err))
		return HealthStatusUnhealthy, timestamp, err
	}

	return HealthStatusHealthy, timestamp, nil
}

// Ping verifies connectivity with the underlying store
func (s *HealthService) Ping(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.store.Ping(ctx)
}
