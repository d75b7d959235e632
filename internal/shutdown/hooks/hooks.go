// Package hooks provides shutdown hooks for the queue process components.
package hooks

import (
	"context"
	"io"
	"net/http"

	"github.com/bargom/taskqueue/internal/shutdown"
)

// Consumer cancels a consume loop and waits until it has returned, which
// happens once in-flight handlers have settled their messages.
func Consumer(name string, cancel context.CancelFunc, done <-chan struct{}) shutdown.Hook {
	return shutdown.Hook{
		Name:  name,
		Stage: shutdown.StageConsumers,
		Fn: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// HTTPServer is the part of *http.Server the hook needs.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
	SetKeepAlivesEnabled(v bool)
}

// Server stops accepting producer requests and drains active ones.
func Server(srv HTTPServer) shutdown.Hook {
	return shutdown.Hook{
		Name:  "http-server",
		Stage: shutdown.StageIngress,
		Fn: func(ctx context.Context) error {
			srv.SetKeepAlivesEnabled(false)
			if err := srv.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

// Backend closes a queue backend.
func Backend(name string, c io.Closer) shutdown.Hook {
	return shutdown.Hook{
		Name:  name,
		Stage: shutdown.StageBackend,
		Fn: func(context.Context) error {
			return c.Close()
		},
	}
}

// Collector stops a background collector, such as the queue depth sampler.
func Collector(name string, stop func()) shutdown.Hook {
	return shutdown.Hook{
		Name:  name,
		Stage: shutdown.StageTelemetry,
		Fn: func(context.Context) error {
			stop()
			return nil
		},
	}
}
