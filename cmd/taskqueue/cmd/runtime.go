package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/api"
	"github.com/bargom/taskqueue/internal/api/handlers"
	"github.com/bargom/taskqueue/internal/auth"
	"github.com/bargom/taskqueue/internal/config"
	"github.com/bargom/taskqueue/internal/health"
	"github.com/bargom/taskqueue/internal/health/checks"
	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/internal/taskqueue/backend/sqlite"
	"github.com/bargom/taskqueue/internal/taskqueue/monitor"
	"github.com/bargom/taskqueue/internal/taskqueue/setup"
	"github.com/bargom/taskqueue/internal/tasks"
	"github.com/bargom/taskqueue/pkg/logging"
	"github.com/bargom/taskqueue/pkg/metrics"
)

// workerErrorWindow is how long a consume loop error keeps the worker
// health check degraded.
const workerErrorWindow = time.Minute

// runtime is the wired queue: backend, service, handlers and telemetry.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Registry
	monitor *monitor.Monitor
	backend taskqueue.Backend
	service *taskqueue.Service
}

// newRuntime loads the configuration and opens the backend. Daemons log to
// the configured output; one-shot commands log to stderr so their stdout
// stays parseable.
func (o *rootOptions) newRuntime(cmd *cobra.Command, daemon bool) (*runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	var logger *logging.Logger
	if daemon {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger.SetDefault()
	} else {
		logger = logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		monitor: monitor.New(),
	}

	observers := []taskqueue.Observer{rt.monitor}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewRegistry(metrics.DefaultConfig().
			WithNamespace(cfg.Metrics.Namespace).
			WithVersion(Version))
		observers = append(observers, rt.metrics.Queue())
	}
	obs := taskqueue.MultiObserver(observers...)

	rt.backend, err = setup.Open(cmd.Context(), *cfg, setup.WithLogger(logger.Logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	if store := rt.embedded(); store != nil && rt.metrics != nil {
		if err := rt.metrics.RegisterStore("queue", store.DB()); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("register store metrics: %w", err)
		}
	}

	rt.service = taskqueue.NewService(rt.backend,
		taskqueue.WithLogger(logger.WithBackend(rt.backend.Name()).Logger),
		taskqueue.WithMetrics(obs),
		taskqueue.WithPolicy(cfg.Worker.RetryPolicy()),
		taskqueue.WithConcurrency(cfg.Worker.Concurrency),
		taskqueue.WithUnhandledDelay(cfg.Worker.UnhandledDelay),
	)

	registry := rt.service.Registry()
	registry.Use(
		taskqueue.RecoveryMiddleware(logger.Logger),
		taskqueue.LoggingMiddleware(logger.Logger),
		taskqueue.TimeoutMiddleware(cfg.Worker.HandlerTimeout),
	)

	webhook := tasks.NewWebhookHandler(
		tasks.WithWebhookLogger(logger.Logger),
		tasks.WithSigningSecret(cfg.Webhook.SigningSecret),
	)
	deps := tasks.Dependencies{Webhook: webhook, Logger: logger.Logger}
	if store := rt.embedded(); store != nil {
		deps.Purger = store
	}
	tasks.Register(registry, deps)

	return rt, nil
}

// embedded returns the SQLite backend, or nil when another backend is active.
func (rt *runtime) embedded() *sqlite.Backend {
	b, _ := rt.backend.(*sqlite.Backend)
	return b
}

// requireEmbedded fails for commands that inspect stored messages.
func (rt *runtime) requireEmbedded(op string) (*sqlite.Backend, error) {
	b := rt.embedded()
	if b == nil {
		return nil, fmt.Errorf("%s requires the embedded backend, not %s", op, rt.backend.Name())
	}
	return b, nil
}

// health builds the health registry for the active backend.
func (rt *runtime) health() *health.Registry {
	reg := health.NewRegistry(Version)
	reg.Register(
		checks.NewBackendChecker(rt.backend),
		checks.NewWorkerChecker(rt.monitor, workerErrorWindow),
	)
	if rt.embedded() != nil {
		reg.Register(checks.NewDiskChecker(rt.cfg.Backend.SQLite.Path))
	}
	return reg
}

// router builds the HTTP API. Authentication is enabled when a JWT secret
// is configured.
func (rt *runtime) router() (http.Handler, error) {
	opts := []handlers.Option{
		handlers.WithLogger(rt.logger.Logger),
		handlers.WithMonitor(rt.monitor),
	}
	if store := rt.embedded(); store != nil {
		opts = append(opts, handlers.WithMessageStore(store))
	}

	cfg := api.RouterConfig{
		Health:      health.NewHandler(rt.health()),
		Metrics:     rt.metrics,
		MetricsPath: rt.cfg.Metrics.Path,
		Logger:      rt.logger.Logger,
	}
	if rt.cfg.HTTP.JWTSecret != "" {
		v, err := auth.NewValidator(auth.Config{
			Secret: rt.cfg.HTTP.JWTSecret,
			Issuer: rt.cfg.HTTP.JWTIssuer,
		}, rt.logger.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Auth = auth.NewMiddleware(v)
	} else {
		rt.logger.Warn("no jwt secret configured, the API is unauthenticated")
	}

	return api.NewRouter(handlers.NewHandler(rt.service, opts...), cfg), nil
}

// server wraps the router in an HTTP server.
func (rt *runtime) server() (*api.Server, error) {
	h, err := rt.router()
	if err != nil {
		return nil, err
	}
	return api.NewServer(h, api.ServerConfig{
		Addr:         rt.cfg.HTTP.Addr,
		ReadTimeout:  rt.cfg.HTTP.ReadTimeout,
		WriteTimeout: rt.cfg.HTTP.WriteTimeout,
	}), nil
}

// startCollectors starts the periodic metric collectors and returns their
// stop functions keyed by name.
func (rt *runtime) startCollectors(ctx context.Context) map[string]func() {
	stops := map[string]func(){}
	if rt.metrics == nil {
		return stops
	}
	stops["queue-depth"] = rt.metrics.Queue().StartDepthCollector(ctx, rt.service, 15*time.Second, rt.logger.Logger)
	return stops
}

// Close releases the backend and the log output.
func (rt *runtime) Close() error {
	err := rt.backend.Close()
	return errors.Join(err, rt.logger.Close())
}
