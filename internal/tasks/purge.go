package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// DefaultFailedRetention is used when a purge payload names no retention.
const DefaultFailedRetention = 7 * 24 * time.Hour

// Purger removes failed messages. The embedded backend implements it.
type Purger interface {
	PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PurgePayload is the payload of queue:purge_failed.
type PurgePayload struct {
	// OlderThan is a Go duration string such as "72h".
	OlderThan string `json:"older_than,omitempty"`
}

// PurgeHandler handles queue:purge_failed.
type PurgeHandler struct {
	purger Purger
	logger *slog.Logger
}

// NewPurgeHandler creates a purge handler.
func NewPurgeHandler(p Purger, logger *slog.Logger) *PurgeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeHandler{purger: p, logger: logger.With("task", TypePurgeFailed)}
}

// Handle implements taskqueue.Handler.
func (h *PurgeHandler) Handle(ctx context.Context, msg *taskqueue.Message) error {
	var payload PurgePayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}

	olderThan := DefaultFailedRetention
	if payload.OlderThan != "" {
		d, err := time.ParseDuration(payload.OlderThan)
		if err != nil || d < 0 {
			return taskqueue.Permanent(fmt.Errorf("invalid older_than %q", payload.OlderThan))
		}
		olderThan = d
	}

	n, err := h.purger.PurgeFailed(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("purge failed messages: %w", err)
	}
	h.logger.InfoContext(ctx, "failed messages purged", "count", n, "older_than", olderThan)
	return nil
}

// Producer enqueues tasks. *taskqueue.Service implements it.
type Producer interface {
	Enqueue(ctx context.Context, taskName string, payload map[string]any, opts ...taskqueue.MessageOption) (string, error)
}

// SchedulePurge enqueues queue:purge_failed on the cron schedule spec until
// ctx is done. spec accepts standard five-field expressions and descriptors
// such as "@hourly" or "@every 30m".
func SchedulePurge(ctx context.Context, p Producer, spec string, retention time.Duration, logger *slog.Logger) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	schedulePurge(ctx, p, schedule, retention, logger)
	return nil
}

func schedulePurge(ctx context.Context, p Producer, schedule cron.Schedule, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	payload := map[string]any{"older_than": retention.String()}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := p.Enqueue(ctx, TypePurgeFailed, payload); err != nil && ctx.Err() == nil {
			logger.Warn("schedule purge failed", "error", err)
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}
