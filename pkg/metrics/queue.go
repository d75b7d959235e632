package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// QueueMetrics records queue activity. It implements taskqueue.Observer.
type QueueMetrics struct {
	registry *Registry
}

var _ taskqueue.Observer = (*QueueMetrics)(nil)

// Queue returns the queue metrics interface for the registry.
func (r *Registry) Queue() *QueueMetrics {
	return &QueueMetrics{registry: r}
}

// Enqueued counts one accepted message.
func (q *QueueMetrics) Enqueued(backend, taskName string) {
	q.registry.queueEnqueuedTotal.WithLabelValues(backend, taskName).Inc()
}

// Started marks a message as in flight.
func (q *QueueMetrics) Started(backend, taskName string) {
	q.registry.queueInFlight.WithLabelValues(backend).Inc()
}

// Delivered records the outcome of a delivery. Unhandled deliveries never
// started, so they leave the in-flight gauge alone.
func (q *QueueMetrics) Delivered(backend, taskName, outcome string, d time.Duration) {
	q.registry.queueProcessedTotal.WithLabelValues(backend, taskName, outcome).Inc()
	if outcome == taskqueue.OutcomeUnhandled {
		return
	}
	q.registry.queueInFlight.WithLabelValues(backend).Dec()
	q.registry.queueProcessingTime.WithLabelValues(backend, taskName).Observe(d.Seconds())
}

// LoopError counts a backend error seen by a consume loop.
func (q *QueueMetrics) LoopError(backend string) {
	q.registry.queueLoopErrorsTotal.WithLabelValues(backend).Inc()
}

// SetDepth publishes a Stats sample.
func (q *QueueMetrics) SetDepth(stats taskqueue.Stats) {
	q.registry.queueDepth.WithLabelValues(stats.Backend, "pending").Set(float64(stats.Pending))
	q.registry.queueDepth.WithLabelValues(stats.Backend, "delayed").Set(float64(stats.Delayed))
	q.registry.queueDepth.WithLabelValues(stats.Backend, "processing").Set(float64(stats.Processing))
	q.registry.queueDepth.WithLabelValues(stats.Backend, "failed").Set(float64(stats.Failed))
}

// StatsSource is anything that can report queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (taskqueue.Stats, error)
}

// StartDepthCollector samples src every interval until ctx is done or the
// returned stop function is called.
func (q *QueueMetrics) StartDepthCollector(ctx context.Context, src StatsSource, interval time.Duration, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			sample, err := src.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("queue depth sample failed", "error", err)
				}
			} else {
				q.SetDepth(sample)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}
