package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bargom/taskqueue/pkg/logging"
)

// Delays of the generic consume loop.
const (
	DefaultIdleDelay  = time.Second
	DefaultErrorDelay = 5 * time.Second
)

// Delivery outcomes reported to an Observer.
const (
	OutcomeAcked     = "acked"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeUnhandled = "unhandled"
)

// Observer receives queue events, typically to export metrics.
type Observer interface {
	Enqueued(backend, taskName string)
	// Started is reported before a handler runs; every Started is followed by
	// exactly one Delivered.
	Started(backend, taskName string)
	Delivered(backend, taskName, outcome string, duration time.Duration)
	LoopError(backend string)
}

type noopObserver struct{}

func (noopObserver) Enqueued(string, string)                         {}
func (noopObserver) Started(string, string)                          {}
func (noopObserver) Delivered(string, string, string, time.Duration) {}
func (noopObserver) LoopError(string)                                {}

// MultiObserver fans events out to every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	var list multiObserver
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return noopObserver{}
	}
	if len(list) == 1 {
		return list[0]
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) Enqueued(backend, taskName string) {
	for _, o := range m {
		o.Enqueued(backend, taskName)
	}
}

func (m multiObserver) Started(backend, taskName string) {
	for _, o := range m {
		o.Started(backend, taskName)
	}
}

func (m multiObserver) Delivered(backend, taskName, outcome string, d time.Duration) {
	for _, o := range m {
		o.Delivered(backend, taskName, outcome, d)
	}
}

func (m multiObserver) LoopError(backend string) {
	for _, o := range m {
		o.LoopError(backend)
	}
}

// ConsumeOption configures the generic consume loop.
type ConsumeOption func(*consumeConfig)

type consumeConfig struct {
	policy     RetryPolicy
	idleDelay  time.Duration
	errorDelay time.Duration
	logger     *slog.Logger
	observer   Observer
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) ConsumeOption {
	return func(c *consumeConfig) {
		c.policy = p
	}
}

// WithIdleDelay sets how long to sleep when nothing is eligible.
func WithIdleDelay(d time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.idleDelay = d
	}
}

// WithErrorDelay sets how long to sleep after a loop-level error.
func WithErrorDelay(d time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.errorDelay = d
	}
}

// WithConsumeLogger sets the logger.
func WithConsumeLogger(logger *slog.Logger) ConsumeOption {
	return func(c *consumeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) ConsumeOption {
	return func(c *consumeConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// Consume is the generic pull loop shared by pull-style backends. It returns
// nil when ctx is cancelled; a message already dequeued is settled first.
func Consume(ctx context.Context, b Backend, handler Handler, opts ...ConsumeOption) error {
	cfg := consumeConfig{
		policy:     ConsumeRetryPolicy(),
		idleDelay:  DefaultIdleDelay,
		errorDelay: DefaultErrorDelay,
		logger:     slog.Default(),
		observer:   noopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger.With("component", "consumer", "backend", b.Name())
	d := &dispatcher{
		backend:  b,
		policy:   cfg.policy,
		logger:   logger,
		observer: cfg.observer,
	}

	logger.Info("consumer started")
	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return nil
		}

		msg, err := b.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrDequeueUnsupported) {
				return err
			}
			if ctx.Err() != nil {
				logger.Info("consumer stopped")
				return nil
			}
			logger.Error("consume loop error", "error", err)
			cfg.observer.LoopError(b.Name())
			if !sleepContext(ctx, cfg.errorDelay) {
				return nil
			}
			continue
		}

		if msg == nil {
			if !sleepContext(ctx, cfg.idleDelay) {
				return nil
			}
			continue
		}

		if err := d.deliver(ctx, msg, handler); err != nil {
			logger.Error("consume loop error", "error", err)
			cfg.observer.LoopError(b.Name())
			if !sleepContext(ctx, cfg.errorDelay) {
				return nil
			}
		}
	}
}

// dispatcher invokes a handler and settles the message with the backend.
type dispatcher struct {
	backend  Backend
	policy   RetryPolicy
	logger   *slog.Logger
	observer Observer
}

// deliver runs handler for msg and acks, nacks or fails it. Settlement uses a
// context detached from cancellation so shutdown never strands an in-flight
// message. The returned error is a backend error, never a handler error.
func (d *dispatcher) deliver(ctx context.Context, msg *Message, handler Handler) error {
	settleCtx := context.WithoutCancel(ctx)
	handlerCtx := logging.ContextWithMessage(settleCtx, msg.ID, msg.TaskName)
	handlerCtx = logging.ContextWithCorrelation(handlerCtx, msg.CorrelationID, msg.OwnerID)

	logger := d.logger.With(
		"message_id", msg.ID,
		"task_name", msg.TaskName,
		"attempts", msg.Attempts,
	)

	d.observer.Started(d.backend.Name(), msg.TaskName)
	start := time.Now()
	herr := invoke(handlerCtx, handler, msg)
	elapsed := time.Since(start)

	if herr == nil {
		d.observer.Delivered(d.backend.Name(), msg.TaskName, OutcomeAcked, elapsed)
		if err := d.backend.Ack(settleCtx, msg.Handle()); err != nil {
			return fmt.Errorf("ack message %s: %w", msg.ID, err)
		}
		logger.Debug("message completed", "duration", elapsed)
		return nil
	}

	if IsPermanent(herr) || d.policy.Exhausted(msg.Retries()) {
		d.observer.Delivered(d.backend.Name(), msg.TaskName, OutcomeFailed, elapsed)
		logger.Error("message failed permanently", "error", herr)
		if err := d.backend.Fail(settleCtx, msg.Handle(), herr); err != nil {
			return fmt.Errorf("fail message %s: %w", msg.ID, err)
		}
		return nil
	}

	d.observer.Delivered(d.backend.Name(), msg.TaskName, OutcomeRetried, elapsed)
	delay := d.policy.Delay(msg.Retries())
	logger.Warn("handler failed, scheduling retry", "error", herr, "retry_after", delay)
	if err := d.backend.Nack(settleCtx, msg.Handle(), delay); err != nil {
		return fmt.Errorf("nack message %s: %w", msg.ID, err)
	}
	return nil
}

// invoke calls handler, converting a panic into an error.
func invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// sleepContext waits for d or until ctx is done. It returns false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
