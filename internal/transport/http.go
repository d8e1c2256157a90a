package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HTTPServer implements the Server interface for HTTP transport
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	address  string
	logger   *zap.Logger
	handlers *ServiceHandlers
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	router := mux.NewRouter()

	hs := &HTTPServer{
		address:  cfg.Address,
		logger:   cfg.Logger,
		handlers: newServiceHandlers(cfg),
		router:   router,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	hs.registerRoutes()
	return hs
}

// registerRoutes registers all HTTP routes
func (hs *HTTPServer) registerRoutes() {
	hs.router.HandleFunc("/health", hs.handlers.HealthCheck.HealthCheck()).Methods("GET")

	// Rate limit routes
	hs.router.HandleFunc("/ratelimit/check", hs.handlers.RateLimit.Check()).Methods("POST")
	hs.router.HandleFunc("/ratelimit/usage/{config}/{identifier}", hs.handlers.RateLimit.Usage()).Methods("GET")
	hs.router.HandleFunc("/ratelimit/reset/{config}/{identifier}", hs.handlers.RateLimit.Reset()).Methods("DELETE")
	hs.router.HandleFunc("/ratelimit/configs", hs.handlers.RateLimit.ListConfigs()).Methods("GET")
	hs.router.HandleFunc("/ratelimit/configs", hs.handlers.RateLimit.RegisterConfig()).Methods("POST")
}

// Handler returns the routed handler, for embedding or tests
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start starts the HTTP server
func (hs *HTTPServer) Start(ctx context.Context) error {
	hs.logger.Info("Starting HTTP server", zap.String("address", hs.address))

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping HTTP server")
	return hs.server.Shutdown(ctx)
}

// Addr returns the address the HTTP server is listening on
func (hs *HTTPServer) Addr() string {
	return hs.address
}
