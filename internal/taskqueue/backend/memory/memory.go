// Package memory implements an in-process queue backend.
// Useful for testing and development; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// DefaultVisibility is how long a dequeued message stays hidden before it is
// offered again if never settled.
const DefaultVisibility = 5 * time.Minute

type entry struct {
	msg       taskqueue.Message
	seq       uint64
	claim     string
	updatedAt time.Time
	visibleAt time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithVisibility overrides DefaultVisibility.
func WithVisibility(d time.Duration) Option {
	return func(b *Backend) {
		b.visibility = d
	}
}

// Backend is a mutex-guarded map of messages with the same lifecycle as the
// durable backends.
type Backend struct {
	mu         sync.Mutex
	entries    map[string]*entry
	seq        uint64
	claims     uint64
	now        func() time.Time
	visibility time.Duration
}

// New creates an empty in-memory backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		entries:    make(map[string]*entry),
		now:        time.Now,
		visibility: DefaultVisibility,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ taskqueue.Backend = (*Backend)(nil)

// Name implements taskqueue.Backend.
func (b *Backend) Name() string { return "memory" }

// Delivery implements taskqueue.Backend.
func (b *Backend) Delivery() taskqueue.DeliveryMode { return taskqueue.DeliveryPull }

// Enqueue stores a copy of msg.
func (b *Backend) Enqueue(ctx context.Context, msg *taskqueue.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[msg.ID]; ok {
		return "", taskqueue.ErrDuplicateMessage
	}

	now := b.now()
	b.seq++
	cp := *msg
	cp.Status = taskqueue.StatusPending
	cp.Payload = copyPayload(msg.Payload)
	b.entries[msg.ID] = &entry{msg: cp, seq: b.seq, updatedAt: now, visibleAt: now}
	return msg.ID, nil
}

// Dequeue claims the oldest eligible message.
func (b *Backend) Dequeue(ctx context.Context) (*taskqueue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var eligible []*entry
	for _, e := range b.entries {
		if e.msg.Status == taskqueue.StatusFailed || e.visibleAt.After(now) {
			continue
		}
		// An unsettled in-flight message whose window elapsed is offered again.
		if e.msg.Status == taskqueue.StatusPending || e.msg.Status == taskqueue.StatusProcessing {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].msg.CreatedAt.Equal(eligible[j].msg.CreatedAt) {
			return eligible[i].msg.CreatedAt.Before(eligible[j].msg.CreatedAt)
		}
		return eligible[i].seq < eligible[j].seq
	})

	e := eligible[0]
	b.claims++
	e.claim = strconv.FormatUint(b.claims, 10)
	e.msg.Status = taskqueue.StatusProcessing
	e.updatedAt = now
	e.visibleAt = now.Add(b.visibility)

	cp := e.msg
	cp.Payload = copyPayload(e.msg.Payload)
	cp.Receipt = taskqueue.NewReceipt(e.msg.ID, e.claim)
	return &cp, nil
}

// lookup resolves a settle handle. A receipt whose claim is no longer the
// current one reports stale.
func (b *Backend) lookup(handle string) (e *entry, stale bool) {
	id, claim, ok := taskqueue.ParseReceipt(handle)
	e = b.entries[id]
	if !ok {
		return e, false
	}
	if e == nil || e.msg.Status != taskqueue.StatusProcessing || e.claim != claim {
		return nil, true
	}
	return e, false
}

// Ack removes the message. Unknown ids, stale receipts and failed messages
// are ignored.
func (b *Backend) Ack(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, _ := b.lookup(handle)
	if e != nil && e.msg.Status != taskqueue.StatusFailed {
		delete(b.entries, e.msg.ID)
	}
	return nil
}

// Nack defers the message by retryAfter and counts one attempt. A stale
// receipt is ignored.
func (b *Backend) Nack(ctx context.Context, handle string, retryAfter time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, stale := b.lookup(handle)
	if stale {
		return nil
	}
	if e == nil || e.msg.Status == taskqueue.StatusFailed {
		return taskqueue.ErrMessageNotFound
	}

	now := b.now()
	e.claim = ""
	e.msg.Status = taskqueue.StatusPending
	e.msg.Attempts++
	e.updatedAt = now
	e.visibleAt = now.Add(retryAfter)
	return nil
}

// Fail marks the message failed and keeps it for inspection. A stale
// receipt is ignored.
func (b *Backend) Fail(ctx context.Context, handle string, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, stale := b.lookup(handle)
	if stale {
		return nil
	}
	if e == nil {
		return taskqueue.ErrMessageNotFound
	}

	e.claim = ""
	e.msg.Status = taskqueue.StatusFailed
	if reason != nil {
		e.msg.ErrorReason = reason.Error()
	}
	e.updatedAt = b.now()
	return nil
}

// StartConsuming runs the generic consume loop.
func (b *Backend) StartConsuming(ctx context.Context, handler taskqueue.Handler) error {
	return taskqueue.Consume(ctx, b, handler)
}

// Get returns a copy of the stored message.
func (b *Backend) Get(ctx context.Context, id string) (*taskqueue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return nil, taskqueue.ErrMessageNotFound
	}
	cp := e.msg
	cp.Payload = copyPayload(e.msg.Payload)
	return &cp, nil
}

// Stats counts messages by state.
func (b *Backend) Stats(ctx context.Context) (taskqueue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := taskqueue.Stats{Backend: b.Name()}
	now := b.now()
	for _, e := range b.entries {
		switch e.msg.Status {
		case taskqueue.StatusPending:
			if e.visibleAt.After(now) {
				stats.Delayed++
			} else {
				stats.Pending++
			}
		case taskqueue.StatusProcessing:
			stats.Processing++
		case taskqueue.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Ping always succeeds.
func (b *Backend) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func copyPayload(p map[string]any) map[string]any {
	cp := make(map[string]any, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
