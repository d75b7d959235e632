// Package health provides liveness and readiness checks for the worker and
// API processes.
package health

import (
	"context"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Severity decides whether a failing check affects readiness.
type Severity string

const (
	// SeverityCritical checks gate /health/ready.
	SeverityCritical Severity = "critical"
	// SeverityWarning checks only degrade /health.
	SeverityWarning Severity = "warning"
)

// Response is the body of every health endpoint.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Checker is implemented by every health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	Severity() Severity
}
