package taskqueue

import "errors"

// Common errors.
var (
	// ErrDequeueUnsupported is returned by push-only backends. Pulling from one
	// is a configuration error.
	ErrDequeueUnsupported = errors.New("dequeue not supported by push-based backend")

	// ErrMessageNotFound indicates the id does not name a live message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateMessage indicates a message with the same id already exists.
	ErrDuplicateMessage = errors.New("message already exists")

	// ErrPoisonMessage indicates a body that cannot be reconstructed into a Message.
	ErrPoisonMessage = errors.New("poison message")

	// ErrUnsupportedBackend indicates an unknown backend selection.
	ErrUnsupportedBackend = errors.New("unsupported queue backend")

	// ErrNoHandler indicates no handler is registered for a task name.
	ErrNoHandler = errors.New("no handler registered")

	// ErrInvalidTaskName indicates an empty task name on enqueue.
	ErrInvalidTaskName = errors.New("task name is required")
)

// permanentError marks a handler error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return "permanent: " + e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so the consume loop fails the message without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
