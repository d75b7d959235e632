// Package monitor keeps in-process counters of queue activity for the stats
// endpoint and the worker health check.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Monitor tracks delivery counters. It implements taskqueue.Observer and is
// safe for concurrent use.
type Monitor struct {
	enqueued   atomic.Int64
	started    atomic.Int64
	acked      atomic.Int64
	retried    atomic.Int64
	failed     atomic.Int64
	unhandled  atomic.Int64
	loopErrors atomic.Int64
	inFlight   atomic.Int64

	totalDuration atomic.Int64
	durationCount atomic.Int64

	// unix nanos; zero until the first event
	lastDelivery  atomic.Int64
	lastLoopError atomic.Int64

	mu    sync.RWMutex
	tasks map[string]*taskCounters

	now       func() time.Time
	startTime time.Time
}

type taskCounters struct {
	enqueued      atomic.Int64
	acked         atomic.Int64
	retried       atomic.Int64
	failed        atomic.Int64
	totalDuration atomic.Int64
	count         atomic.Int64
}

var _ taskqueue.Observer = (*Monitor)(nil)

// New creates a Monitor.
func New() *Monitor {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Monitor reading time from now.
func NewWithClock(now func() time.Time) *Monitor {
	return &Monitor{
		tasks:     make(map[string]*taskCounters),
		now:       now,
		startTime: now(),
	}
}

// Enqueued implements taskqueue.Observer.
func (m *Monitor) Enqueued(_, taskName string) {
	m.enqueued.Add(1)
	m.task(taskName).enqueued.Add(1)
}

// Started implements taskqueue.Observer.
func (m *Monitor) Started(_, _ string) {
	m.started.Add(1)
	m.inFlight.Add(1)
}

// Delivered implements taskqueue.Observer.
func (m *Monitor) Delivered(_, taskName, outcome string, d time.Duration) {
	m.lastDelivery.Store(m.now().UnixNano())

	if outcome == taskqueue.OutcomeUnhandled {
		m.unhandled.Add(1)
		return
	}

	m.inFlight.Add(-1)
	m.totalDuration.Add(int64(d))
	m.durationCount.Add(1)

	tc := m.task(taskName)
	tc.totalDuration.Add(int64(d))
	tc.count.Add(1)

	switch outcome {
	case taskqueue.OutcomeAcked:
		m.acked.Add(1)
		tc.acked.Add(1)
	case taskqueue.OutcomeRetried:
		m.retried.Add(1)
		tc.retried.Add(1)
	case taskqueue.OutcomeFailed:
		m.failed.Add(1)
		tc.failed.Add(1)
	}
}

// LoopError implements taskqueue.Observer.
func (m *Monitor) LoopError(string) {
	m.loopErrors.Add(1)
	m.lastLoopError.Store(m.now().UnixNano())
}

func (m *Monitor) task(name string) *taskCounters {
	m.mu.RLock()
	tc, ok := m.tasks[name]
	m.mu.RUnlock()
	if ok {
		return tc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok = m.tasks[name]; ok {
		return tc
	}
	tc = &taskCounters{}
	m.tasks[name] = tc
	return tc
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued      int64         `json:"enqueued"`
	Started       int64         `json:"started"`
	Acked         int64         `json:"acked"`
	Retried       int64         `json:"retried"`
	Failed        int64         `json:"failed"`
	Unhandled     int64         `json:"unhandled"`
	LoopErrors    int64         `json:"loop_errors"`
	InFlight      int64         `json:"in_flight"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	Uptime        time.Duration `json:"uptime"`
	LastDelivery  *time.Time    `json:"last_delivery,omitempty"`
	LastLoopError *time.Time    `json:"last_loop_error,omitempty"`
	Tasks         []TaskStat    `json:"tasks"`
}

// TaskStat holds the counters of one task name.
type TaskStat struct {
	TaskName    string        `json:"task_name"`
	Enqueued    int64         `json:"enqueued"`
	Acked       int64         `json:"acked"`
	Retried     int64         `json:"retried"`
	Failed      int64         `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Snapshot returns the current counters. Tasks are sorted by name.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		Enqueued:      m.enqueued.Load(),
		Started:       m.started.Load(),
		Acked:         m.acked.Load(),
		Retried:       m.retried.Load(),
		Failed:        m.failed.Load(),
		Unhandled:     m.unhandled.Load(),
		LoopErrors:    m.loopErrors.Load(),
		InFlight:      m.inFlight.Load(),
		AvgDuration:   average(m.totalDuration.Load(), m.durationCount.Load()),
		LastDelivery:  timeOrNil(m.lastDelivery.Load()),
		LastLoopError: timeOrNil(m.lastLoopError.Load()),
	}
	if settled := s.Acked + s.Failed; settled > 0 {
		s.SuccessRate = float64(s.Acked) / float64(settled) * 100
	}

	m.mu.RLock()
	s.Uptime = m.now().Sub(m.startTime)
	s.Tasks = make([]TaskStat, 0, len(m.tasks))
	for name, tc := range m.tasks {
		s.Tasks = append(s.Tasks, TaskStat{
			TaskName:    name,
			Enqueued:    tc.enqueued.Load(),
			Acked:       tc.acked.Load(),
			Retried:     tc.retried.Load(),
			Failed:      tc.failed.Load(),
			AvgDuration: average(tc.totalDuration.Load(), tc.count.Load()),
		})
	}
	m.mu.RUnlock()

	sort.Slice(s.Tasks, func(i, j int) bool { return s.Tasks[i].TaskName < s.Tasks[j].TaskName })
	return s
}

// Reset zeroes all counters and restarts the uptime clock.
func (m *Monitor) Reset() {
	for _, c := range []*atomic.Int64{
		&m.enqueued, &m.started, &m.acked, &m.retried, &m.failed, &m.unhandled,
		&m.loopErrors, &m.inFlight, &m.totalDuration, &m.durationCount,
		&m.lastDelivery, &m.lastLoopError,
	} {
		c.Store(0)
	}

	m.mu.Lock()
	m.tasks = make(map[string]*taskCounters)
	m.startTime = m.now()
	m.mu.Unlock()
}

func average(total, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(total / count)
}

func timeOrNil(nanos int64) *time.Time {
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}
