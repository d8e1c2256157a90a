package service

import (
	"errors"
	"time"
)

// Default named configs
const (
	ConfigUserMessages      = "user-messages"
	ConfigAdminCommands     = "admin-commands"
	ConfigExpensiveAnalysis = "expensive-analysis"
	ConfigChannelManagement = "channel-management"
)

// Facade defaults
const (
	DefaultBlockDuration = 300 * time.Second
	DefaultStoreTimeout  = 250 * time.Millisecond
)

// Identity namespaces used at the dispatch boundary
const (
	PrivilegedNamespace = "admin"
	NormalNamespace     = "user"
)

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// Metric names reported to the Recorder
const (
	MetricCheck      = "ratelimit.check"
	MetricDenied     = "ratelimit.denied"
	MetricBlocked    = "ratelimit.blocked"
	MetricStoreError = "ratelimit.store_error"
	MetricLatency    = "ratelimit.latency"
)

// Custom error types
var (
	ErrUnknownConfig    = errors.New("unknown rate limit config")
	ErrDuplicateConfig  = errors.New("rate limit config already registered")
	ErrEmptyIdentifier  = errors.New("identifier is required")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)
