package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
)

// CheckRequest represents a rate limit check request
type CheckRequest struct {
	Config     string `json:"config"`
	Identifier string `json:"identifier"`
	Privileged bool   `json:"privileged"`
}

// CheckResponse represents a rate limit check response
type CheckResponse struct {
	Allowed    bool  `json:"allowed"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	ResetAt    int64 `json:"reset_at"`    // Unix timestamp
	RetryAfter int64 `json:"retry_after"` // seconds
	Blocked    bool  `json:"blocked"`
	Degraded   bool  `json:"degraded"`
}

// NewCheckResponse flattens a decision into its wire form
func NewCheckResponse(d limiter.Decision) CheckResponse {
	return CheckResponse{
		Allowed:    d.Allowed,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt.Unix(),
		RetryAfter: d.RetryAfterSeconds(),
		Blocked:    d.Blocked,
		Degraded:   d.Degraded,
	}
}

// RateLimitHandler handles rate limit operations
type RateLimitHandler struct {
	service *service.RateLimitService
	logger  *zap.Logger
}

// NewRateLimitHandler creates a new rate limit handler
func NewRateLimitHandler(svc *service.RateLimitService, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		service: svc,
		logger:  logger,
	}
}

// Check handles POST /ratelimit/check - count a request and decide on it
func (h *RateLimitHandler) Check() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Config == "" {
			h.writeError(w, http.StatusBadRequest, "config is required")
			return
		}

		decision, err := h.service.CheckEvent(r.Context(), service.Event{
			ConfigName: req.Config,
			Identifier: req.Identifier,
			Privileged: req.Privileged,
		})
		if err != nil {
			h.logger.Debug("rate limit check rejected", zap.String("config", req.Config), zap.Error(err))
			h.writeServiceError(w, err)
			return
		}

		resp := NewCheckResponse(decision)
		SetRateLimitHeaders(w, decision)
		w.Header().Set("Content-Type", "application/json")

		if !decision.Allowed {
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(resp)
	}
}

// Usage handles GET /ratelimit/usage/{config}/{identifier} - inspect without counting
func (h *RateLimitHandler) Usage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configName, identifier := h.target(r)

		snapshot, err := h.service.GetUsageInfo(r.Context(), configName, identifier)
		if err != nil {
			h.logger.Error("failed to get usage", zap.String("config", configName), zap.String("identifier", identifier), zap.Error(err))
			h.writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(snapshot)
	}
}

// Reset handles DELETE /ratelimit/reset/{config}/{identifier} - clear counter and block
func (h *RateLimitHandler) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configName, identifier := h.target(r)

		ok, err := h.service.ResetLimit(r.Context(), configName, identifier)
		if err != nil {
			h.logger.Error("failed to reset rate limit", zap.String("config", configName), zap.String("identifier", identifier), zap.Error(err))
			h.writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"reset":      ok,
			"config":     configName,
			"identifier": identifier,
		})
	}
}

// ListConfigs handles GET /ratelimit/configs
func (h *RateLimitHandler) ListConfigs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(h.service.ListConfigs())
	}
}

// RegisterConfig handles POST /ratelimit/configs - add a named config
func (h *RateLimitHandler) RegisterConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg limiter.Config

		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		registered, err := h.service.RegisterConfig(cfg)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(registered)
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers, and Retry-After on denial
func SetRateLimitHeaders(w http.ResponseWriter, d limiter.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
}

// StatusFor maps service errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownConfig):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateConfig):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyIdentifier),
		errors.Is(err, limiter.ErrInvalidConfig),
		errors.Is(err, limiter.ErrInvalidStrategy):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// target reads the config and namespaced identifier from the route. The
// privileged query flag selects the admin namespace.
func (h *RateLimitHandler) target(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	privileged, _ := strconv.ParseBool(r.URL.Query().Get("privileged"))
	return vars["config"], service.Identifier(vars["identifier"], privileged)
}

func (h *RateLimitHandler) writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("unexpected rate limit error", zap.Error(err))
		h.writeError(w, status, "internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

// writeError writes an error response
func (h *RateLimitHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
