// Package setup builds the configured queue backend.
package setup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bargom/taskqueue/internal/config"
	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/internal/taskqueue/backend/broker"
	"github.com/bargom/taskqueue/internal/taskqueue/backend/cloudqueue"
	"github.com/bargom/taskqueue/internal/taskqueue/backend/sqlite"
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger handed to the backend.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open constructs the backend selected by cfg.Backend.Type. Unknown types
// fail with ErrUnsupportedBackend.
//
// Pull backends are driven by Service worker loops, which apply the worker
// retry policy and observer; only the broker runs its own retry loop and is
// handed the worker's attempt ceiling.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (taskqueue.Backend, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Backend.Type {
	case config.BackendEmbedded:
		sc := cfg.Backend.SQLite
		b, err := sqlite.Open(ctx, sc.Path,
			sqlite.WithVisibility(sc.Visibility),
			sqlite.WithLogger(o.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open embedded backend: %w", err)
		}
		return b, nil

	case config.BackendCloud:
		qc := cfg.Backend.SQS
		b, err := cloudqueue.Open(ctx, cloudqueue.ClientConfig{
			QueueURL:        qc.QueueURL,
			Region:          qc.Region,
			Endpoint:        qc.Endpoint,
			AccessKeyID:     qc.AccessKeyID,
			SecretAccessKey: qc.SecretAccessKey,
			SessionToken:    qc.SessionToken,
		},
			cloudqueue.WithWaitTime(qc.WaitTime),
			cloudqueue.WithVisibilityTimeout(qc.VisibilityTimeout),
			cloudqueue.WithLogger(o.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open cloud backend: %w", err)
		}
		return b, nil

	case config.BackendDistributed:
		bc := cfg.Backend.Broker
		b, err := broker.New(broker.Config{
			URL:             bc.URL,
			Addr:            bc.Addr,
			Password:        bc.Password,
			DB:              bc.DB,
			Queue:           bc.Queue,
			Concurrency:     bc.Concurrency,
			MaxRetry:        bc.MaxRetry,
			ShutdownTimeout: bc.ShutdownTimeout,
		},
			broker.WithLogger(o.logger),
			broker.WithRetryPolicy(cfg.Worker.ConsumePolicy()),
		)
		if err != nil {
			return nil, fmt.Errorf("open distributed backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("%w: %q", taskqueue.ErrUnsupportedBackend, cfg.Backend.Type)
	}
}
