package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports a hook that outlived its budget.
type TimeoutError struct {
	Hook    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shutdown hook %q timed out after %v", e.Hook, e.Timeout)
}

// PanicError reports a hook that panicked.
type PanicError struct {
	Hook  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("shutdown hook %q panicked: %v", e.Hook, e.Value)
}

// IsTimeout reports whether err wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsPanic reports whether err wraps a PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// runHook runs fn under timeout and turns a panic into a PanicError. A hook
// that ignores ctx is abandoned when the timeout fires.
func runHook(ctx context.Context, timeout time.Duration, name string, fn HookFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Hook: name, Value: r}
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Hook: name, Timeout: timeout}
		}
		return ctx.Err()
	}
}
