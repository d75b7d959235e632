package taskqueue

import (
	"context"
	"time"
)

// Handler processes one message. A nil return acks the message; an error
// schedules a retry unless it is Permanent or the retry ceiling is reached.
type Handler func(ctx context.Context, msg *Message) error

// DeliveryMode describes who drives message delivery.
type DeliveryMode int

const (
	// DeliveryPull backends are polled with Dequeue by this process.
	DeliveryPull DeliveryMode = iota

	// DeliveryPush backends own scheduling and call the handler themselves.
	DeliveryPush
)

func (d DeliveryMode) String() string {
	switch d {
	case DeliveryPull:
		return "pull"
	case DeliveryPush:
		return "push"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a backend's queue depth. Counts are
// approximate on backends that only expose estimates.
type Stats struct {
	Backend    string `json:"backend"`
	Pending    int64  `json:"pending"`
	Delayed    int64  `json:"delayed"`
	Processing int64  `json:"processing"`
	Failed     int64  `json:"failed"`
}

// Backend is implemented by every storage/transport engine.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Delivery reports whether the backend is polled or pushes work.
	Delivery() DeliveryMode

	// Enqueue persists or transmits msg and returns its effective id.
	Enqueue(ctx context.Context, msg *Message) (string, error)

	// Dequeue atomically claims one eligible message and hides it from other
	// consumers for at least a visibility window. It returns nil, nil when
	// nothing is eligible.
	Dequeue(ctx context.Context) (*Message, error)

	// Ack, Nack and Fail take the Handle of a dequeued message. Settling
	// through a receipt whose claim has since been reclaimed is a no-op.

	// Ack completes a message. Acking an unknown or already acked id is a
	// no-op, and a failed message is never removed.
	Ack(ctx context.Context, id string) error

	// Nack returns a message to eligibility after retryAfter, counting one attempt.
	Nack(ctx context.Context, id string, retryAfter time.Duration) error

	// Fail takes a message permanently out of rotation.
	Fail(ctx context.Context, id string, reason error) error

	// StartConsuming blocks delivering messages to handler until ctx is done.
	StartConsuming(ctx context.Context, handler Handler) error

	// Stats reports the current queue depth.
	Stats(ctx context.Context) (Stats, error)

	// Ping checks connectivity to the underlying store or transport.
	Ping(ctx context.Context) error

	// Close releases connections held by the backend.
	Close() error
}
