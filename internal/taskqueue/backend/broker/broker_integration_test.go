//go:build integration

package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

func setupBroker(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()

	container, err := redis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	b, err := New(Config{
		URL:             connStr,
		Queue:           "it",
		Concurrency:     2,
		MaxRetry:        2,
		ShutdownTimeout: 5 * time.Second,
	}, WithRetryPolicy(taskqueue.RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 1}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroker_Integration_DeliversAndRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	b := setupBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Ping(ctx))

	var calls atomic.Int32
	seenAttempts := make(chan int, 4)
	done := make(chan struct{})

	msg := taskqueue.NewMessage("flaky:job", map[string]any{"k": "v"})
	_, err := b.Enqueue(ctx, msg)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, msg)
	assert.ErrorIs(t, err, taskqueue.ErrDuplicateMessage)

	go func() {
		_ = b.StartConsuming(ctx, func(_ context.Context, m *taskqueue.Message) error {
			seenAttempts <- m.Attempts
			if calls.Add(1) < 2 {
				return errors.New("not yet")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("task was not redelivered")
	}
	assert.Equal(t, 0, <-seenAttempts)
	assert.Equal(t, 1, <-seenAttempts)

	require.Eventually(t, func() bool {
		stats, err := b.Stats(ctx)
		return err == nil && stats.Pending == 0 && stats.Processing == 0
	}, 10*time.Second, 100*time.Millisecond)
}

func TestBroker_Integration_PermanentIsArchived(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	b := setupBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Enqueue(ctx, taskqueue.NewMessage("bad:job", nil))
	require.NoError(t, err)

	var calls atomic.Int32
	go func() {
		_ = b.StartConsuming(ctx, func(context.Context, *taskqueue.Message) error {
			calls.Add(1)
			return taskqueue.Permanent(errors.New("rejected"))
		})
	}()

	require.Eventually(t, func() bool {
		stats, err := b.Stats(ctx)
		return err == nil && stats.Failed == 1
	}, 15*time.Second, 100*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
