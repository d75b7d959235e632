package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Signals are the OS signals that trigger a graceful stop.
var Signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

// SignalContext returns a context cancelled on the first of Signals.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, Signals...)
}
