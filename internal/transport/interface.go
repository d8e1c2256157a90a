package transport

import (
	"context"
	"time"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/service"
	"go.uber.org/zap"
)

// Server defines the interface for different transport implementations (HTTP, gRPC, etc.)
type Server interface {
	// Start starts the transport server
	Start(ctx context.Context) error

	// Stop gracefully stops the transport server
	Stop(ctx context.Context) error

	// Addr returns the address the server is listening on
	Addr() string
}

// ServerConfig contains common configuration for all transport servers
type ServerConfig struct {
	Address        string                    // Address to listen on (e.g., "localhost:8080" or ":50051")
	RateLimit      *service.RateLimitService // Shared rate limit facade
	Health         *service.HealthService    // Store health checks
	Logger         *zap.Logger               // Shared logger
	ReadTimeout    time.Duration             // HTTP read timeout
	WriteTimeout   time.Duration             // HTTP write timeout
	IdleTimeout    time.Duration             // HTTP idle timeout
	HealthInterval time.Duration             // gRPC health polling interval, 1s when zero
}

// ServiceHandlers contains all service handlers
type ServiceHandlers struct {
	HealthCheck *handler.HealthCheckHandler
	RateLimit   *handler.RateLimitHandler
}

func newServiceHandlers(cfg ServerConfig) *ServiceHandlers {
	return &ServiceHandlers{
		HealthCheck: handler.NewHealthCheckHandler(cfg.Health, cfg.Logger),
		RateLimit:   handler.NewRateLimitHandler(cfg.RateLimit, cfg.Logger),
	}
}
