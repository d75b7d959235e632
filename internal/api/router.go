// Package api provides the HTTP producer and admin API of the task queue.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bargom/taskqueue/internal/api/handlers"
	"github.com/bargom/taskqueue/internal/auth"
	"github.com/bargom/taskqueue/internal/health"
	"github.com/bargom/taskqueue/pkg/logging"
	"github.com/bargom/taskqueue/pkg/metrics"
)

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	// Health mounts /health, /health/live and /health/ready.
	Health *health.Handler

	// Metrics records HTTP metrics and serves MetricsPath.
	Metrics     *metrics.Registry
	MetricsPath string

	// Auth protects /api/v1. Nil leaves the API open.
	Auth *auth.Middleware

	Logger *slog.Logger

	// RequestTimeout bounds each API request. Zero uses 30s.
	RequestTimeout time.Duration
}

// NewRouter creates the chi router with middleware and routes configured.
func NewRouter(h *handlers.Handler, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(metrics.HTTPMiddleware(cfg.Metrics, cfg.MetricsPath))
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics.Handler())
	}
	if cfg.Health != nil {
		cfg.Health.Mount(r)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		if cfg.Auth != nil {
			r.Use(cfg.Auth.RequireAuth)
		}

		r.With(auth.RequireScope(auth.ScopeEnqueue)).Post("/tasks", h.EnqueueTask)

		r.Route("/queue", func(r chi.Router) {
			r.With(auth.RequireScope(auth.ScopeRead)).Get("/stats", h.QueueStats)

			if !h.HasMessageStore() {
				return
			}
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeRead))
				r.Get("/messages", h.ListMessages)
				r.Get("/messages/{id}", h.GetMessage)
			})
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeAdmin))
				r.Post("/failed/{id}/requeue", h.RequeueFailed)
				r.Delete("/failed", h.PurgeFailed)
			})
		})
	})

	return r
}
