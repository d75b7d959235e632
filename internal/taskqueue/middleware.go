package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoggingMiddleware logs the start and outcome of every handler invocation.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			start := time.Now()
			logger.Debug("starting task",
				"task_name", msg.TaskName,
				"message_id", msg.ID,
				"attempts", msg.Attempts,
			)
			err := next(ctx, msg)
			if err != nil {
				logger.Warn("task failed",
					"task_name", msg.TaskName,
					"message_id", msg.ID,
					"duration", time.Since(start),
					"error", err,
				)
			} else {
				logger.Debug("task completed",
					"task_name", msg.TaskName,
					"message_id", msg.ID,
					"duration", time.Since(start),
				)
			}
			return err
		}
	}
}

// RecoveryMiddleware turns a handler panic into an ordinary handler error.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task panicked",
						"task_name", msg.TaskName,
						"message_id", msg.ID,
						"panic", r,
					)
					err = fmt.Errorf("task %s panicked: %v", msg.TaskName, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// TimeoutMiddleware bounds a single handler invocation to d.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, msg *Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}
