// Package checks provides the health checks of the task queue processes.
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/bargom/taskqueue/internal/health"
	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Backend is the part of taskqueue.Backend the checker uses.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (taskqueue.Stats, error)
}

// BackendChecker pings the queue backend and reports its depth.
type BackendChecker struct {
	backend         Backend
	timeout         time.Duration
	failedThreshold int64
}

// BackendOption is a functional option for BackendChecker.
type BackendOption func(*BackendChecker)

// WithBackendTimeout sets the ping timeout.
func WithBackendTimeout(d time.Duration) BackendOption {
	return func(c *BackendChecker) {
		c.timeout = d
	}
}

// WithFailedThreshold degrades the check once more than n messages are
// failed. Zero disables it.
func WithFailedThreshold(n int64) BackendOption {
	return func(c *BackendChecker) {
		c.failedThreshold = n
	}
}

// NewBackendChecker creates a new backend health checker.
func NewBackendChecker(b Backend, opts ...BackendOption) *BackendChecker {
	c := &BackendChecker{
		backend: b,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of this health check.
func (c *BackendChecker) Name() string {
	return "backend"
}

// Severity is always critical: nothing works without the backend.
func (c *BackendChecker) Severity() health.Severity {
	return health.SeverityCritical
}

// Check pings the backend, then samples its stats. A stats error after a
// good ping degrades rather than fails.
func (c *BackendChecker) Check(ctx context.Context) health.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Ping(ctx); err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("%s backend ping failed: %v", c.backend.Name(), err),
		}
	}

	stats, err := c.backend.Stats(ctx)
	if err != nil {
		return health.CheckResult{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("stats unavailable: %v", err),
			Details: map[string]any{"backend": c.backend.Name()},
		}
	}

	res := health.CheckResult{
		Status: health.StatusHealthy,
		Details: map[string]any{
			"backend":    stats.Backend,
			"pending":    stats.Pending,
			"delayed":    stats.Delayed,
			"processing": stats.Processing,
			"failed":     stats.Failed,
		},
	}
	if c.failedThreshold > 0 && stats.Failed > c.failedThreshold {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("%d failed messages exceed threshold %d", stats.Failed, c.failedThreshold)
	}
	return res
}
