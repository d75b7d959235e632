package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

type fakeClient struct {
	tasks  []*asynq.Task
	opts   [][]asynq.Option
	ids    map[string]bool
	err    error
	closed bool
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	if f.ids[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.ids[id] = true
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: id, Type: task.Type(), Payload: task.Payload()}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type fakeInspector struct {
	info   *asynq.QueueInfo
	err    error
	closed bool
}

func (f *fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func (f *fakeInspector) Close() error {
	f.closed = true
	return nil
}

func newTestBackend(t *testing.T) (*Backend, *fakeClient, *fakeInspector) {
	t.Helper()
	b, err := New(Config{Addr: "127.0.0.1:1"}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	client := &fakeClient{}
	inspector := &fakeInspector{}
	b.client = client
	b.inspector = inspector
	return b, client, inspector
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, DefaultQueue, cfg.Queue)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	cfg = Config{URL: "redis://:secret@cache:6380/2"}.withDefaults()
	assert.Empty(t, cfg.Addr)
	opts, err := cfg.redisOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Config{URL: "mysql://nope"})
	require.Error(t, err)
}

func TestBackend_Identity(t *testing.T) {
	b, _, _ := newTestBackend(t)
	assert.Equal(t, "distributed", b.Name())
	assert.Equal(t, taskqueue.DeliveryPush, b.Delivery())
}

func TestBackend_Enqueue(t *testing.T) {
	b, client, _ := newTestBackend(t)
	ctx := context.Background()

	msg := taskqueue.NewMessage("email:send", map[string]any{"to": "a@example.com"},
		taskqueue.WithCorrelationID("order-7"))
	id, err := b.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)

	require.Len(t, client.tasks, 1)
	assert.Equal(t, "email:send", client.tasks[0].Type())
	assert.Equal(t, DefaultQueue, optionValue(client.opts[0], asynq.QueueOpt))
	assert.Equal(t, 3, optionValue(client.opts[0], asynq.MaxRetryOpt))

	decoded, err := taskqueue.DecodeMessage(client.tasks[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, "order-7", decoded.CorrelationID)
	assert.Equal(t, "a@example.com", decoded.Payload["to"])
}

func TestBackend_EnqueueDuplicate(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ctx := context.Background()

	msg := taskqueue.NewMessage("email:send", nil)
	_, err := b.Enqueue(ctx, msg)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, msg)
	assert.ErrorIs(t, err, taskqueue.ErrDuplicateMessage)
}

func TestBackend_EnqueueError(t *testing.T) {
	b, client, _ := newTestBackend(t)
	client.err = errors.New("connection refused")

	_, err := b.Enqueue(context.Background(), taskqueue.NewMessage("email:send", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestBackend_PullOperations(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ctx := context.Background()

	msg, err := b.Dequeue(ctx)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, taskqueue.ErrDequeueUnsupported)

	assert.NoError(t, b.Ack(ctx, "x"))
	assert.NoError(t, b.Nack(ctx, "x", time.Second))
	assert.NoError(t, b.Fail(ctx, "x", errors.New("boom")))
}

func TestBackend_Processor(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ctx := context.Background()

	msg := taskqueue.NewMessage("report:build", map[string]any{"n": 1.0})
	body, err := msg.Encode()
	require.NoError(t, err)
	task := asynq.NewTask("report:build", body)

	t.Run("success", func(t *testing.T) {
		var got *taskqueue.Message
		err := b.processor(func(_ context.Context, m *taskqueue.Message) error {
			got = m
			return nil
		})(ctx, task)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, taskqueue.StatusProcessing, got.Status)
		assert.Equal(t, 1.0, got.Payload["n"])
	})

	t.Run("transient error is retried", func(t *testing.T) {
		err := b.processor(func(context.Context, *taskqueue.Message) error {
			return errors.New("upstream timeout")
		})(ctx, task)
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("permanent error skips retries", func(t *testing.T) {
		err := b.processor(func(context.Context, *taskqueue.Message) error {
			return taskqueue.Permanent(errors.New("invalid recipient"))
		})(ctx, task)
		require.Error(t, err)
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.True(t, taskqueue.IsPermanent(err))
	})

	t.Run("poison payload skips retries", func(t *testing.T) {
		called := false
		err := b.processor(func(context.Context, *taskqueue.Message) error {
			called = true
			return nil
		})(ctx, asynq.NewTask("report:build", []byte("{not json")))
		assert.False(t, called)
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.ErrorIs(t, err, taskqueue.ErrPoisonMessage)
	})
}

func TestBackend_RetryDelay(t *testing.T) {
	b, _, _ := newTestBackend(t)
	assert.Equal(t, 10*time.Second, b.retryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, b.retryDelay(1, nil, nil))
	assert.Equal(t, 40*time.Second, b.retryDelay(2, nil, nil))
}

func TestBackend_Stats(t *testing.T) {
	b, _, inspector := newTestBackend(t)
	ctx := context.Background()

	inspector.info = &asynq.QueueInfo{Pending: 4, Scheduled: 1, Retry: 2, Active: 3, Archived: 5}
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Stats{Backend: "distributed", Pending: 4, Delayed: 3, Processing: 3, Failed: 5}, stats)

	inspector.info = nil
	inspector.err = asynq.ErrQueueNotFound
	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Stats{Backend: "distributed"}, stats)

	inspector.err = errors.New("redis down")
	_, err = b.Stats(ctx)
	require.Error(t, err)
}

func TestBackend_Close(t *testing.T) {
	b, client, inspector := newTestBackend(t)
	require.NoError(t, b.Close())
	assert.True(t, client.closed)
	assert.True(t, inspector.closed)
}
