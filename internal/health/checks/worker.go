package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/bargom/taskqueue/internal/health"
	"github.com/bargom/taskqueue/internal/taskqueue/monitor"
)

// WorkerChecker reports consume loop trouble from the in-process monitor.
type WorkerChecker struct {
	monitor *monitor.Monitor
	window  time.Duration
	now     func() time.Time
}

// NewWorkerChecker degrades while the consume loop has hit a backend error
// within window.
func NewWorkerChecker(m *monitor.Monitor, window time.Duration) *WorkerChecker {
	return &WorkerChecker{monitor: m, window: window, now: time.Now}
}

// Name returns the name of this health check.
func (c *WorkerChecker) Name() string {
	return "worker"
}

// Severity returns the severity level of this check.
func (c *WorkerChecker) Severity() health.Severity {
	return health.SeverityWarning
}

// Check inspects the latest counters.
func (c *WorkerChecker) Check(ctx context.Context) health.CheckResult {
	s := c.monitor.Snapshot()

	res := health.CheckResult{
		Status: health.StatusHealthy,
		Details: map[string]any{
			"in_flight":   s.InFlight,
			"acked":       s.Acked,
			"retried":     s.Retried,
			"failed":      s.Failed,
			"loop_errors": s.LoopErrors,
		},
	}
	if s.LastDelivery != nil {
		res.Details["last_delivery"] = s.LastDelivery.Format(time.RFC3339)
	}
	if s.LastLoopError != nil && c.now().Sub(*s.LastLoopError) < c.window {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("consume loop error at %s", s.LastLoopError.Format(time.RFC3339))
	}
	return res
}
