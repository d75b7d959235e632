package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a full round of checks.
const DefaultTimeout = 5 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry manages health checkers and executes checks.
type Registry struct {
	mu        sync.RWMutex
	checkers  []Checker
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewRegistry creates a new health check registry.
func NewRegistry(version string, opts ...Option) *Registry {
	r := &Registry{
		startTime: time.Now(),
		version:   version,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds health checkers to the registry.
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checkers...)
}

// Checkers returns a copy of the registered checkers.
func (r *Registry) Checkers() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Checker(nil), r.checkers...)
}

// Liveness reports the process is up. It runs no checks.
func (r *Registry) Liveness(ctx context.Context) Response {
	return r.response(StatusHealthy, nil)
}

// Readiness runs the critical checks only.
func (r *Registry) Readiness(ctx context.Context) Response {
	return r.run(ctx, true)
}

// Health runs every registered check.
func (r *Registry) Health(ctx context.Context) Response {
	return r.run(ctx, false)
}

func (r *Registry) run(ctx context.Context, criticalOnly bool) Response {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult)
		overall = StatusHealthy
	)

	for _, c := range r.Checkers() {
		if criticalOnly && c.Severity() != SeverityCritical {
			continue
		}

		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			start := time.Now()
			res := c.Check(ctx)
			res.Duration = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			results[c.Name()] = res
			overall = combine(overall, res.Status, c.Severity())
		}(c)
	}
	wg.Wait()

	return r.response(overall, results)
}

// combine folds one check result into the overall status. A failing warning
// check only degrades.
func combine(overall, status Status, severity Severity) Status {
	switch {
	case overall == StatusUnhealthy:
		return overall
	case status == StatusUnhealthy && severity == SeverityCritical:
		return StatusUnhealthy
	case status == StatusUnhealthy, status == StatusDegraded:
		return StatusDegraded
	default:
		return overall
	}
}

func (r *Registry) response(status Status, checks map[string]CheckResult) Response {
	return Response{
		Status:    status,
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).Round(time.Second).String(),
		Checks:    checks,
	}
}

// Version returns the version string.
func (r *Registry) Version() string {
	return r.version
}
