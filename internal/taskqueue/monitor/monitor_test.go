package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor() (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.Now), clock
}

func TestMonitor_Empty(t *testing.T) {
	m, _ := newTestMonitor()
	s := m.Snapshot()

	assert.Zero(t, s.Enqueued)
	assert.Zero(t, s.SuccessRate)
	assert.Nil(t, s.LastDelivery)
	assert.Nil(t, s.LastLoopError)
	assert.Empty(t, s.Tasks)
}

func TestMonitor_Counters(t *testing.T) {
	m, clock := newTestMonitor()

	m.Enqueued("embedded", "email:send")
	m.Enqueued("embedded", "email:send")
	m.Enqueued("embedded", "report:build")

	m.Started("embedded", "email:send")
	assert.Equal(t, int64(1), m.Snapshot().InFlight)

	clock.Advance(time.Minute)
	m.Delivered("embedded", "email:send", taskqueue.OutcomeAcked, 100*time.Millisecond)
	m.Started("embedded", "email:send")
	m.Delivered("embedded", "email:send", taskqueue.OutcomeRetried, 300*time.Millisecond)
	m.Started("embedded", "report:build")
	m.Delivered("embedded", "report:build", taskqueue.OutcomeFailed, 200*time.Millisecond)
	m.Delivered("embedded", "nobody:home", taskqueue.OutcomeUnhandled, 0)
	m.LoopError("embedded")

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.Enqueued)
	assert.Equal(t, int64(3), s.Started)
	assert.Equal(t, int64(1), s.Acked)
	assert.Equal(t, int64(1), s.Retried)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Unhandled)
	assert.Equal(t, int64(1), s.LoopErrors)
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, 50.0, s.SuccessRate)
	assert.Equal(t, 200*time.Millisecond, s.AvgDuration)
	assert.Equal(t, time.Minute, s.Uptime)
	if assert.NotNil(t, s.LastDelivery) {
		assert.Equal(t, clock.Now(), *s.LastDelivery)
	}
	assert.NotNil(t, s.LastLoopError)

	// unhandled deliveries do not create per-task entries
	if assert.Len(t, s.Tasks, 2) {
		assert.Equal(t, "email:send", s.Tasks[0].TaskName)
		assert.Equal(t, int64(2), s.Tasks[0].Enqueued)
		assert.Equal(t, int64(1), s.Tasks[0].Acked)
		assert.Equal(t, int64(1), s.Tasks[0].Retried)
		assert.Equal(t, 200*time.Millisecond, s.Tasks[0].AvgDuration)
		assert.Equal(t, "report:build", s.Tasks[1].TaskName)
		assert.Equal(t, int64(1), s.Tasks[1].Failed)
	}
}

func TestMonitor_Reset(t *testing.T) {
	m, clock := newTestMonitor()
	m.Enqueued("embedded", "a")
	m.LoopError("embedded")
	clock.Advance(time.Hour)

	m.Reset()
	s := m.Snapshot()
	assert.Zero(t, s.Enqueued)
	assert.Zero(t, s.LoopErrors)
	assert.Zero(t, s.Uptime)
	assert.Nil(t, s.LastLoopError)
	assert.Empty(t, s.Tasks)
}

func TestMonitor_Concurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Enqueued("memory", "t")
				m.Started("memory", "t")
				m.Delivered("memory", "t", taskqueue.OutcomeAcked, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(800), s.Enqueued)
	assert.Equal(t, int64(800), s.Acked)
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, 100.0, s.SuccessRate)
}
