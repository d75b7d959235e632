package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bargom/taskqueue/pkg/logging"
)

// DefaultUnhandledDelay is how long a message without a registered handler
// is deferred before it is offered again.
const DefaultUnhandledDelay = 60 * time.Second

// DefaultPollInterval is the worker idle sleep when none is configured.
const DefaultPollInterval = time.Second

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the observer notified of enqueues and deliveries.
func WithMetrics(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithPolicy overrides the service retry policy.
func WithPolicy(p RetryPolicy) ServiceOption {
	return func(s *Service) {
		s.policy = p
	}
}

// WithConcurrency sets how many pull loops Run starts.
func WithConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRegistry shares an existing handler registry.
func WithRegistry(r *Registry) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithUnhandledDelay overrides DefaultUnhandledDelay.
func WithUnhandledDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.unhandledDelay = d
	}
}

// Service ties the handler registry to a backend. Producers call Enqueue;
// workers call StartWorker or Run.
type Service struct {
	backend        Backend
	registry       *Registry
	policy         RetryPolicy
	unhandledDelay time.Duration
	concurrency    int
	logger         *slog.Logger
	observer       Observer
}

// NewService creates a service over backend.
func NewService(backend Backend, opts ...ServiceOption) *Service {
	s := &Service{
		backend:        backend,
		registry:       NewRegistry(),
		policy:         ServiceRetryPolicy(),
		unhandledDelay: DefaultUnhandledDelay,
		concurrency:    1,
		logger:         slog.Default(),
		observer:       noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue_service", "backend", backend.Name())
	return s
}

// Backend returns the active backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// Registry returns the handler registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// RegisterHandler stores handler for taskName. The last registration wins.
func (s *Service) RegisterHandler(taskName string, handler Handler) {
	if s.registry.Has(taskName) {
		s.logger.Warn("replacing task handler", "task_name", taskName)
	}
	s.registry.Register(taskName, handler)
}

// Enqueue builds a message and hands it to the backend. The returned id is
// the backend's effective identifier for the message.
func (s *Service) Enqueue(ctx context.Context, taskName string, payload map[string]any, opts ...MessageOption) (string, error) {
	if taskName == "" {
		return "", ErrInvalidTaskName
	}

	msg := NewMessage(taskName, payload, opts...)
	id, err := s.backend.Enqueue(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskName, err)
	}

	s.observer.Enqueued(s.backend.Name(), taskName)
	s.logger.DebugContext(ctx, "message enqueued", "message_id", id, "task_name", taskName)
	return id, nil
}

// ProcessOne dequeues and handles at most one message. It reports whether a
// message was dequeued. Handler errors are settled, never returned.
func (s *Service) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := s.backend.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	handler, ok := s.registry.Get(msg.TaskName)
	if !ok {
		s.logger.Warn("no handler registered, deferring message",
			"message_id", msg.ID,
			"task_name", msg.TaskName,
			"retry_after", s.unhandledDelay,
		)
		s.observer.Delivered(s.backend.Name(), msg.TaskName, OutcomeUnhandled, 0)
		if err := s.backend.Nack(context.WithoutCancel(ctx), msg.Handle(), s.unhandledDelay); err != nil {
			return true, fmt.Errorf("nack unhandled message %s: %w", msg.ID, err)
		}
		return true, nil
	}

	return true, s.dispatcher().deliver(ctx, msg, handler)
}

// StartWorker calls ProcessOne until ctx is cancelled, sleeping interval
// whenever nothing was processed. Backend errors are logged and retried
// after DefaultErrorDelay. A push-only backend is a configuration error.
func (s *Service) StartWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	s.logger.Info("worker started", "poll_interval", interval)
	for {
		if ctx.Err() != nil {
			s.logger.Info("worker stopped")
			return nil
		}

		processed, err := s.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, ErrDequeueUnsupported) {
				return fmt.Errorf("start worker on %s backend: %w", s.backend.Name(), err)
			}
			if ctx.Err() != nil {
				s.logger.Info("worker stopped")
				return nil
			}
			s.logger.Error("worker loop error", "error", err)
			s.observer.LoopError(s.backend.Name())
			if !sleepContext(ctx, DefaultErrorDelay) {
				return nil
			}
			continue
		}

		if !processed && !sleepContext(ctx, interval) {
			s.logger.Info("worker stopped")
			return nil
		}
	}
}

// Run consumes until ctx is cancelled. Pull backends get the configured
// number of worker loops; push backends are handed Dispatch.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if s.backend.Delivery() == DeliveryPush {
		s.logger.Info("delegating delivery to backend consumer")
		return s.backend.StartConsuming(ctx, s.Dispatch)
	}

	if s.concurrency <= 1 {
		return s.StartWorker(ctx, interval)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		g.Go(func() error {
			return s.StartWorker(gctx, interval)
		})
	}
	return g.Wait()
}

// Dispatch routes a message delivered by a push backend to its handler. The
// returned error tells the broker whether to retry.
func (s *Service) Dispatch(ctx context.Context, msg *Message) error {
	handler, ok := s.registry.Get(msg.TaskName)
	if !ok {
		s.observer.Delivered(s.backend.Name(), msg.TaskName, OutcomeUnhandled, 0)
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.TaskName)
	}

	ctx = logging.ContextWithMessage(ctx, msg.ID, msg.TaskName)
	ctx = logging.ContextWithCorrelation(ctx, msg.CorrelationID, msg.OwnerID)

	s.observer.Started(s.backend.Name(), msg.TaskName)
	start := time.Now()
	err := invoke(ctx, handler, msg)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.observer.Delivered(s.backend.Name(), msg.TaskName, OutcomeAcked, elapsed)
	case IsPermanent(err):
		s.observer.Delivered(s.backend.Name(), msg.TaskName, OutcomeFailed, elapsed)
	default:
		s.observer.Delivered(s.backend.Name(), msg.TaskName, OutcomeRetried, elapsed)
	}
	return err
}

// Stats reports the backend queue depth.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.backend.Stats(ctx)
}

func (s *Service) dispatcher() *dispatcher {
	return &dispatcher{
		backend:  s.backend,
		policy:   s.policy,
		logger:   s.logger,
		observer: s.observer,
	}
}
