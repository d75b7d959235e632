package hooks

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/taskqueue/internal/shutdown"
)

type fakeServer struct {
	keepAlives *bool
	err        error
}

func (f *fakeServer) Shutdown(context.Context) error { return f.err }
func (f *fakeServer) SetKeepAlivesEnabled(v bool)    { f.keepAlives = &v }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestConsumer(t *testing.T) {
	t.Run("waits for loop to return", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()

		h := Consumer("worker", cancel, done)
		assert.Equal(t, shutdown.StageConsumers, h.Stage)
		require.NoError(t, h.Fn(context.Background()))
	})

	t.Run("gives up at deadline", func(t *testing.T) {
		h := Consumer("worker", func() {}, make(chan struct{}))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.Fn(ctx), context.DeadlineExceeded)
	})
}

func TestServer(t *testing.T) {
	srv := &fakeServer{}
	h := Server(srv)
	assert.Equal(t, shutdown.StageIngress, h.Stage)
	require.NoError(t, h.Fn(context.Background()))
	require.NotNil(t, srv.keepAlives)
	assert.False(t, *srv.keepAlives)

	closed := &fakeServer{err: http.ErrServerClosed}
	assert.NoError(t, Server(closed).Fn(context.Background()))

	failing := &fakeServer{err: errors.New("boom")}
	assert.Error(t, Server(failing).Fn(context.Background()))
}

func TestBackendAndCollector(t *testing.T) {
	want := errors.New("close")
	b := Backend("sqlite", closerFunc(func() error { return want }))
	assert.Equal(t, shutdown.StageBackend, b.Stage)
	assert.ErrorIs(t, b.Fn(context.Background()), want)

	stopped := false
	c := Collector("depth", func() { stopped = true })
	assert.Equal(t, shutdown.StageTelemetry, c.Stage)
	require.NoError(t, c.Fn(context.Background()))
	assert.True(t, stopped)
}

func TestHooksRunThroughManager(t *testing.T) {
	m := shutdown.NewManager(shutdown.Config{Timeout: time.Second}, nil)

	var order []string
	srv := &fakeServer{}
	m.Register(Server(srv))
	m.Register(Backend("backend", closerFunc(func() error {
		order = append(order, "backend")
		return nil
	})))
	m.Register(Collector("depth", func() { order = append(order, "depth") }))

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"backend", "depth"}, order)
	assert.NotNil(t, srv.keepAlives)
}
