// Package broker implements the push-delivery queue backend on asynq and Redis.
//
// The broker owns scheduling, retries and settlement. Dequeue is unsupported;
// StartConsuming runs an asynq server that hands every task to the handler.
// Successful tasks are removed by asynq, tasks that exhaust MaxRetry or return
// a permanent error are archived for inspection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Name is the backend name reported in logs, metrics and stats.
const Name = "distributed"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRetryPolicy sets the delay applied between broker retries.
func WithRetryPolicy(p taskqueue.RetryPolicy) Option {
	return func(b *Backend) {
		b.policy = p
	}
}

// Backend is the distributed broker backend.
type Backend struct {
	cfg       Config
	redisOpt  asynq.RedisClientOpt
	client    enqueuer
	inspector queueInspector
	rdb       *redis.Client
	policy    taskqueue.RetryPolicy
	logger    *slog.Logger
}

var _ taskqueue.Backend = (*Backend)(nil)

// New creates a broker backend. Connections are established lazily.
func New(cfg Config, opts ...Option) (*Backend, error) {
	cfg = cfg.withDefaults()
	redisOpts, err := cfg.redisOptions()
	if err != nil {
		return nil, err
	}
	redisOpt := asynqOpt(redisOpts)

	b := &Backend{
		cfg:       cfg,
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		rdb:       redis.NewClient(redisOpts),
		policy:    taskqueue.ConsumeRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "queue_backend", "backend", Name, "queue", cfg.Queue)
	return b, nil
}

// Name implements taskqueue.Backend.
func (b *Backend) Name() string { return Name }

// Delivery implements taskqueue.Backend.
func (b *Backend) Delivery() taskqueue.DeliveryMode { return taskqueue.DeliveryPush }

// Enqueue submits msg as an asynq task named after its task name. The
// message id doubles as the task id, so resubmitting an id still known to
// the broker is rejected.
func (b *Backend) Enqueue(ctx context.Context, msg *taskqueue.Message) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(msg.TaskName, body),
		asynq.TaskID(msg.ID),
		asynq.Queue(b.cfg.Queue),
		asynq.MaxRetry(b.cfg.MaxRetry),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("%w: %s", taskqueue.ErrDuplicateMessage, msg.ID)
		}
		return "", fmt.Errorf("broker: enqueue task: %w", err)
	}
	return info.ID, nil
}

// Dequeue is unsupported: the broker pushes work to StartConsuming.
func (b *Backend) Dequeue(ctx context.Context) (*taskqueue.Message, error) {
	return nil, fmt.Errorf("%s backend: %w", Name, taskqueue.ErrDequeueUnsupported)
}

// Ack is a no-op; asynq settles a task from the handler's return value.
func (b *Backend) Ack(ctx context.Context, id string) error { return nil }

// Nack is a no-op; asynq schedules retries itself.
func (b *Backend) Nack(ctx context.Context, id string, retryAfter time.Duration) error { return nil }

// Fail is a no-op; asynq archives tasks that exhaust their retries.
func (b *Backend) Fail(ctx context.Context, id string, reason error) error { return nil }

// StartConsuming runs an asynq server delivering every task type on the
// configured queue to handler. It blocks until ctx is done and then waits
// up to ShutdownTimeout for in-flight tasks.
func (b *Backend) StartConsuming(ctx context.Context, handler taskqueue.Handler) error {
	srv := asynq.NewServer(b.redisOpt, asynq.Config{
		Concurrency:     b.cfg.Concurrency,
		Queues:          map[string]int{b.cfg.Queue: 1},
		RetryDelayFunc:  b.retryDelay,
		ShutdownTimeout: b.cfg.ShutdownTimeout,
		Logger:          newAsynqLogger(b.logger),
		LogLevel:        asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			b.logger.Warn("task failed",
				"task_name", task.Type(),
				"retried", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
	})

	if err := srv.Start(b.processor(handler)); err != nil {
		return fmt.Errorf("broker: start server: %w", err)
	}
	b.logger.Info("broker consumer started", "concurrency", b.cfg.Concurrency)

	<-ctx.Done()
	srv.Shutdown()
	b.logger.Info("broker consumer stopped")
	return nil
}

// processor adapts handler to asynq. Undecodable payloads and permanent
// errors skip the remaining retries and are archived straight away.
func (b *Backend) processor(handler taskqueue.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		msg, err := taskqueue.DecodeMessage(task.Payload())
		if err != nil {
			b.logger.Error("archiving poison task", "task_name", task.Type(), "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if retried, ok := asynq.GetRetryCount(ctx); ok {
			msg.Attempts = retried
		}
		msg.Status = taskqueue.StatusProcessing

		if err := handler(ctx, msg); err != nil {
			if taskqueue.IsPermanent(err) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

func (b *Backend) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return b.policy.Delay(n)
}

// Stats maps the asynq queue counters onto Stats. Scheduled and retry
// tasks count as delayed, archived tasks as failed.
func (b *Backend) Stats(ctx context.Context) (taskqueue.Stats, error) {
	stats := taskqueue.Stats{Backend: Name}

	info, err := b.inspector.GetQueueInfo(b.cfg.Queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return stats, nil
		}
		return stats, fmt.Errorf("broker: queue info: %w", err)
	}

	stats.Pending = int64(info.Pending)
	stats.Delayed = int64(info.Scheduled + info.Retry)
	stats.Processing = int64(info.Active)
	stats.Failed = int64(info.Archived)
	return stats, nil
}

// Ping checks that Redis is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the client, inspector and ping connections.
func (b *Backend) Close() error {
	return errors.Join(
		b.client.Close(),
		b.inspector.Close(),
		b.rdb.Close(),
	)
}
