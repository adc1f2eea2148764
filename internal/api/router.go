// Package api serves the operational HTTP surface of the worker: health,
// readiness, metrics and read-only access to the crawled dataset.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Simerblur/online-data-mining/internal/api/handlers"
	"github.com/Simerblur/online-data-mining/internal/api/middleware"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version        string
	AllowedOrigins []string
	MaxAge         int
	RequestTimeout time.Duration

	EnableRateLimiting bool
	RateLimitConfig    middleware.RateLimitConfig
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Version:            "dev",
		AllowedOrigins:     []string{"*"},
		MaxAge:             300,
		RequestTimeout:     30 * time.Second,
		EnableRateLimiting: true,
		RateLimitConfig:    middleware.DefaultRateLimitConfig(),
	}
}

// Dependencies holds everything the handlers read from.
type Dependencies struct {
	Logger  *slog.Logger
	Dataset handlers.Dataset
	// Objects is nil when uploads are disabled.
	Objects handlers.ObjectStorage
	// Ready lists extra readiness checks by component name.
	Ready   map[string]handlers.HealthChecker
	Metrics map[string]handlers.MetricsSource
}

// NewRouter creates and configures a new Chi router with all middleware and routes.
func NewRouter(deps Dependencies, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(chimiddleware.Timeout(config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Movie-Count"},
		MaxAge:         config.MaxAge,
	}))

	var rateLimiter *middleware.RateLimiter
	if config.EnableRateLimiting {
		rateLimiter = middleware.NewRateLimiter(config.RateLimitConfig, logger)
	}

	metrics := make(map[string]handlers.MetricsSource, len(deps.Metrics)+1)
	for k, v := range deps.Metrics {
		metrics[k] = v
	}
	if rateLimiter != nil {
		metrics["rate_limiter"] = func() any { return rateLimiter.GetMetrics() }
	}

	ready := map[string]handlers.HealthChecker{"database": deps.Dataset}
	if deps.Objects != nil {
		ready["object_storage"] = deps.Objects
	}
	for k, v := range deps.Ready {
		ready[k] = v
	}

	// Health and metrics endpoints are not rate limited.
	r.Get("/health", handlers.HealthCheck(config.Version))
	r.Get("/ready", handlers.ReadyCheck(ready))
	r.Get("/metrics", handlers.Metrics(metrics))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if rateLimiter != nil {
				r.Use(rateLimiter.Middleware("default"))
			}
			r.Get("/status", handlers.CrawlStatus(deps.Dataset, logger))
			r.Get("/movies", handlers.ListMovies(deps.Dataset, logger))
			r.Get("/exports/{run}", handlers.ListExports(deps.Objects, logger))
			r.Get("/exports/{run}/{name}", handlers.DownloadExport(deps.Objects, logger))
			r.Get("/runs/{run}/report", handlers.RunReport(deps.Objects, logger))
		})

		r.Group(func(r chi.Router) {
			if rateLimiter != nil {
				r.Use(rateLimiter.Middleware("export"))
			}
			r.Get("/export/movies.csv", handlers.ExportMovies(deps.Dataset, logger))
		})
	})

	return r
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         8081,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         formatAddr(config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func formatAddr(host string, port int) string {
	if host == "" {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
