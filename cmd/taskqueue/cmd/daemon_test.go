package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clitest "github.com/bargom/taskqueue/cmd/taskqueue/testing"
	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
)

const fastWorker = `worker:
  poll_interval: 20ms
  base_delay: 10ms
  max_delay: 50ms
  shutdown_timeout: 5s
`

// startDaemon runs the command tree in the background until the returned
// stop function is called, which reports the command's error.
func startDaemon(t *testing.T, args ...string) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)

	errCh := make(chan error, 1)
	go func() { errCh <- root.ExecuteContext(ctx) }()

	var stopped bool
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("daemon did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func enqueueWebhook(t *testing.T, cfg, url string) string {
	t.Helper()

	payload := fmt.Sprintf(`{"url":%q,"body":{"event":"test"}}`, url)
	stdout, _, err := clitest.ExecuteCommandWithErr(NewRootCmd(), "--config", cfg,
		"enqueue", "webhook:deliver", "--payload", payload, "-o", "json")
	require.NoError(t, err)

	var resp types.EnqueueResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	return resp.ID
}

func queueStats(t *testing.T, cfg string) taskqueue.Stats {
	t.Helper()

	stdout, _, err := clitest.ExecuteCommandWithErr(NewRootCmd(), "--config", cfg, "stats", "-o", "json")
	require.NoError(t, err)
	var stats taskqueue.Stats
	require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
	return stats
}

func TestWorkerDeliversWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := clitest.EmbeddedConfig(t, fastWorker)
	enqueueWebhook(t, cfg, srv.URL)

	stop := startDaemon(t, "--config", cfg, "worker")
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	stats := queueStats(t, cfg)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Failed)
}

func TestWorkerFailsPermanentErrorsAndRequeue(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	cfg := clitest.EmbeddedConfig(t, fastWorker)
	id := enqueueWebhook(t, cfg, srv.URL)

	stop := startDaemon(t, "--config", cfg, "worker")
	require.Eventually(t, func() bool { return queueStats(t, cfg).Failed == 1 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())

	stdout, _, err := clitest.ExecuteCommandWithErr(NewRootCmd(), "--config", cfg, "failed", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "404")

	output, err := clitest.ExecuteCommand(NewRootCmd(), "--config", cfg, "failed", "requeue", id)
	require.NoError(t, err)
	assert.Contains(t, output, "Requeued "+id)

	status.Store(http.StatusOK)
	stop = startDaemon(t, "--config", cfg, "worker")
	require.Eventually(t, func() bool {
		s := queueStats(t, cfg)
		return s.Failed == 0 && s.Pending == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeWithoutWorker(t *testing.T) {
	addr := freeAddr(t)
	cfg := clitest.EmbeddedConfig(t, fmt.Sprintf("http:\n  addr: %q\n", addr))

	stop := startDaemon(t, "--config", cfg, "serve", "--no-worker")

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/v1/tasks", "application/json",
		bytes.NewBufferString(`{"task_name":"email:send","payload":{"to":"a@example.com"}}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, stop())

	// nothing consumed the task
	assert.Equal(t, int64(1), queueStats(t, cfg).Pending)
}
