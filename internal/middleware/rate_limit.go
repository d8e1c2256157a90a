package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/limiter"
)

// Checker decides whether an identifier may proceed under a named config
type Checker interface {
	CheckRateLimit(ctx context.Context, configName, identifier string) (limiter.Decision, error)
}

// RateLimitMiddleware returns an HTTP middleware that gates requests through
// the named config.
//
// The identifier is extracted using the provided keyExtractor function.
// Denied requests get a 429 Too Many Requests response with Retry-After set.
// Store outages are already folded into the decision by the checker's fail
// policy; errors are mapped to a status the same way the HTTP handlers do,
// so an empty key is a 400 and an unknown config a 404.
//
// Example: Rate limit by IP address
//
//	mw := RateLimitMiddleware(svc, "user-messages", IPKeyExtractor, logger)
func RateLimitMiddleware(checker Checker, configName string, keyExtractor func(*http.Request) string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)

			decision, err := checker.CheckRateLimit(r.Context(), configName, key)
			if err != nil {
				logger.Error("rate limiter check failed", zap.String("config", configName), zap.String("key", key), zap.Error(err))
				http.Error(w, err.Error(), handler.StatusFor(err))
				return
			}

			handler.SetRateLimitHeaders(w, decision)

			if !decision.Allowed {
				logger.Debug("request rate limited",
					zap.String("config", configName),
					zap.String("key", key),
					zap.Bool("blocked", decision.Blocked),
				)
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyExtractor extracts the client IP address from the request.
// It takes the first X-Forwarded-For entry (for proxied requests),
// then falls back to the host part of RemoteAddr.
func IPKeyExtractor(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		client, _, _ := strings.Cut(forwardedFor, ",")
		return strings.TrimSpace(client)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserIDKeyExtractor returns a key extractor that uses a custom header for user identification.
// This is useful for authenticated APIs where you want to rate limit per user instead of IP.
func UserIDKeyExtractor(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID := r.Header.Get(headerName); userID != "" {
			return userID
		}
		// Fall back to IP if no user ID header
		return IPKeyExtractor(r)
	}
}

// PathKeyExtractor combines the client IP with the request path, so each
// endpoint is counted separately.
func PathKeyExtractor(r *http.Request) string {
	return IPKeyExtractor(r) + ":" + r.URL.Path
}
