package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mohammadhprp/modguard/internal/service"
	"go.uber.org/zap"
)

type HealthCheckHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

func NewHealthCheckHandler(health *service.HealthService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		health: health,
		logger: logger,
	}
}

// HealthCheck returns a health check handler
func (h *HealthCheckHandler) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, timestamp, err := h.health.GetHealthStatus(r.Context())
		status := map[string]string{
			"status": state,
			"time":   timestamp,
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			status["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(status)
	}
}
