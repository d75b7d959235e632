// Package shutdown runs staged shutdown hooks for the worker and server
// processes.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle of a Manager.
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Manager runs registered hooks once, stage by stage.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	hooks []Hook
	state State
	errs  []error

	once sync.Once
	done chan struct{}
}

// NewManager creates a manager. A nil logger uses slog.Default.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a hook. Hooks registered after shutdown started are ignored.
func (m *Manager) Register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		m.logger.Warn("hook registered after shutdown started", "name", hook.Name)
		return
	}
	m.hooks = append(m.hooks, hook)
	m.logger.Debug("registered shutdown hook", "name", hook.Name, "stage", hook.Stage.String())
}

// Add is shorthand for Register.
func (m *Manager) Add(name string, stage Stage, fn HookFunc) {
	m.Register(Hook{Name: name, Stage: stage, Fn: fn})
}

// Run blocks until ctx is done, then shuts down and returns the joined hook
// errors. Pair it with SignalContext.
func (m *Manager) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	case <-m.done:
	}
	return m.Shutdown()
}

// Shutdown runs all hooks once. Later calls wait for the first to finish and
// return the same result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.state = StateShuttingDown
		hooks := append([]Hook(nil), m.hooks...)
		m.mu.Unlock()

		m.logger.Info("starting graceful shutdown", "timeout", m.cfg.Timeout, "hooks", len(hooks))
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		m.runStages(ctx, groupByStage(hooks))
		cancel()

		m.mu.Lock()
		m.state = StateShutdown
		failed := len(m.errs)
		m.mu.Unlock()

		m.logger.Info("graceful shutdown complete", "duration", time.Since(start), "errors", failed)
		close(m.done)
	})
	<-m.done
	return errors.Join(m.Errors()...)
}

func (m *Manager) runStages(ctx context.Context, groups [][]Hook) {
	for i, group := range groups {
		if ctx.Err() != nil {
			skipped := 0
			for _, g := range groups[i:] {
				skipped += len(g)
			}
			m.logger.Warn("shutdown timeout exceeded, skipping remaining hooks", "skipped", skipped)
			m.addError(fmt.Errorf("shutdown timeout exceeded with %d hooks pending", skipped))
			return
		}

		var wg sync.WaitGroup
		for _, h := range group {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				m.runHook(ctx, h)
			}(h)
		}
		wg.Wait()
	}
}

func (m *Manager) runHook(ctx context.Context, h Hook) {
	start := time.Now()
	err := runHook(ctx, m.cfg.HookTimeout, h.Name, h.Fn)
	elapsed := time.Since(start)

	if elapsed > m.cfg.SlowHookThreshold {
		m.logger.Warn("slow shutdown hook", "name", h.Name, "duration", elapsed)
	}
	if err != nil {
		m.logger.Error("shutdown hook failed", "name", h.Name, "stage", h.Stage.String(), "error", err)
		m.addError(fmt.Errorf("%s: %w", h.Name, err))
		return
	}
	m.logger.Debug("shutdown hook completed", "name", h.Name, "duration", elapsed)
}

func (m *Manager) addError(err error) {
	m.mu.Lock()
	m.errs = append(m.errs, err)
	m.mu.Unlock()
}

// Errors returns the hook errors collected so far.
func (m *Manager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errs...)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed once shutdown completes.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
