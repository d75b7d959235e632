package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bargom/taskqueue/internal/shutdown"
	"github.com/bargom/taskqueue/internal/shutdown/hooks"
	"github.com/bargom/taskqueue/internal/tasks"
)

// daemonOptions selects the long-running parts of a process.
type daemonOptions struct {
	http   bool
	worker bool
}

// newWorkerCmd creates the worker command.
func newWorkerCmd(o *rootOptions) *cobra.Command {
	var withHTTP bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume and process queued tasks",
		Long: `Start the worker. Pull backends run worker.concurrency polling loops;
the distributed backend hands delivery to the broker's own consumer.

SIGINT or SIGTERM stops intake first, then lets in-flight handlers finish
before the backend is closed.`,
		Args: cobra.NoArgs,
		Example: `  taskqueue worker
  taskqueue worker --backend distributed
  taskqueue worker --http`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runDaemon(cmd, daemonOptions{http: withHTTP, worker: true})
		},
	}

	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the HTTP API on http.addr")

	return cmd
}

// newServeCmd creates the serve command.
func newServeCmd(o *rootOptions) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process tasks",
		Long: `Start the HTTP producer and admin API together with a worker.

The API exposes /api/v1/tasks for producers, /api/v1/queue for operators,
/health for probes and the Prometheus metrics path.`,
		Args: cobra.NoArgs,
		Example: `  taskqueue serve
  taskqueue serve --no-worker --config taskqueue.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runDaemon(cmd, daemonOptions{http: true, worker: !noWorker})
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without consuming tasks")

	return cmd
}

// runDaemon runs the selected components until a signal arrives or one of
// them fails, then shuts them down in stage order.
func (o *rootOptions) runDaemon(cmd *cobra.Command, d daemonOptions) error {
	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()

	rt, err := o.newRuntime(cmd, true)
	if err != nil {
		return err
	}
	defer rt.logger.Close()
	log := rt.logger.Logger

	mgr := shutdown.NewManager(shutdown.Config{
		Timeout:     rt.cfg.Worker.ShutdownTimeout,
		HookTimeout: rt.cfg.Worker.ShutdownTimeout,
	}, log)
	mgr.Register(hooks.Backend(rt.backend.Name()+"-backend", rt.backend))

	telemetryCtx, cancelTelemetry := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTelemetry()
	for name, stopCollector := range rt.startCollectors(telemetryCtx) {
		mgr.Register(hooks.Collector(name, stopCollector))
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.http {
		srv, err := rt.server()
		if err != nil {
			_ = rt.Close()
			return err
		}
		mgr.Register(hooks.Server(srv))
		g.Go(func() error {
			log.Info("http server listening", "addr", srv.Addr())
			if err := srv.ListenAndServe(); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if d.worker {
		// The worker outlives the signal until its shutdown hook runs.
		workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelWorker()

		done := make(chan struct{})
		mgr.Register(hooks.Consumer("worker", cancelWorker, done))
		g.Go(func() error {
			defer close(done)
			log.Info("worker starting",
				"backend", rt.backend.Name(),
				"delivery", rt.backend.Delivery().String(),
				"concurrency", rt.cfg.Worker.Concurrency,
				"tasks", rt.service.Registry().TaskNames(),
			)
			return rt.service.Run(workerCtx, rt.cfg.Worker.PollInterval)
		})

		cleanup := rt.cfg.Cleanup
		if rt.embedded() != nil && cleanup.Schedule != "" && cleanup.FailedRetention > 0 {
			g.Go(func() error {
				return tasks.SchedulePurge(workerCtx, rt.service, cleanup.Schedule, cleanup.FailedRetention, log)
			})
		}
	}

	g.Go(func() error {
		return mgr.Run(gctx)
	})

	return g.Wait()
}
