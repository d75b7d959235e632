package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookMessage(payload map[string]any) *taskqueue.Message {
	return taskqueue.NewMessage(TypeWebhookDeliver, payload, taskqueue.WithCorrelationID("corr-1"))
}

func TestWebhookDelivers(t *testing.T) {
	var (
		gotMethod string
		gotBody   map[string]any
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewWebhookHandler(WithWebhookLogger(quiet()))
	msg := webhookMessage(map[string]any{
		"url":     srv.URL + "/hook",
		"method":  "put",
		"headers": map[string]any{"X-Signature": "abc"},
		"body":    map[string]any{"event": "order.created"},
	})

	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "order.created", gotBody["event"])
	assert.Equal(t, "abc", gotHeader.Get("X-Signature"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, msg.ID, gotHeader.Get("X-Task-Message-ID"))
	assert.Equal(t, "corr-1", gotHeader.Get("X-Correlation-ID"))
}

func TestWebhookSigning(t *testing.T) {
	var (
		body   []byte
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	h := NewWebhookHandler(WithWebhookLogger(quiet()), WithSigningSecret("whsec"))
	h.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, h.Handle(context.Background(), webhookMessage(map[string]any{
		"url":  srv.URL,
		"body": map[string]any{"event": "paid"},
	})))

	assert.Equal(t, "1700000000", header.Get(TimestampHeader))
	assert.Equal(t, "sha256", header.Get(SignatureAlgorithmHeader))
	sig := header.Get(SignatureHeader)
	assert.True(t, VerifySignature("whsec", 1700000000, body, sig))
	assert.False(t, VerifySignature("other", 1700000000, body, sig))
	assert.False(t, VerifySignature("whsec", 1700000001, body, sig))
	assert.False(t, VerifySignature("whsec", 1700000000, body, "not-hex"))
}

func TestWebhookUnsignedByDefault(t *testing.T) {
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookHandler(WithWebhookLogger(quiet())).Handle(context.Background(),
		webhookMessage(map[string]any{"url": srv.URL})))
	assert.Empty(t, header.Get(SignatureHeader))
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "nope")
			}))
			defer srv.Close()

			err := NewWebhookHandler(WithWebhookLogger(quiet())).Handle(context.Background(),
				webhookMessage(map[string]any{"url": srv.URL}))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, taskqueue.IsPermanent(err))

			se, ok := IsStatusError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestWebhookInvalidPayloadIsPermanent(t *testing.T) {
	h := NewWebhookHandler(WithWebhookLogger(quiet()))
	payloads := []map[string]any{
		{},
		{"url": "ftp://example.test"},
		{"url": "not a url"},
		{"url": "https://example.test", "timeout": "soon"},
		{"url": "https://example.test", "headers": "not-a-map"},
	}
	for _, p := range payloads {
		err := h.Handle(context.Background(), webhookMessage(p))
		require.Error(t, err, p)
		assert.True(t, taskqueue.IsPermanent(err), p)
	}
}

func TestWebhookNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhookHandler(WithWebhookLogger(quiet())).Handle(context.Background(),
		webhookMessage(map[string]any{"url": url}))
	require.Error(t, err)
	assert.False(t, taskqueue.IsPermanent(err))
}

func TestWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewWebhookHandler(WithWebhookLogger(quiet())).Handle(context.Background(),
		webhookMessage(map[string]any{"url": srv.URL, "timeout": "50ms"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, taskqueue.IsPermanent(err))
}

type fakePurger struct {
	mu        sync.Mutex
	olderThan []time.Duration
	err       error
}

func (p *fakePurger) PurgeFailed(_ context.Context, olderThan time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.olderThan = append(p.olderThan, olderThan)
	return 3, p.err
}

func TestPurgeHandler(t *testing.T) {
	p := &fakePurger{}
	h := NewPurgeHandler(p, quiet())

	require.NoError(t, h.Handle(context.Background(), taskqueue.NewMessage(TypePurgeFailed, nil)))
	require.NoError(t, h.Handle(context.Background(),
		taskqueue.NewMessage(TypePurgeFailed, map[string]any{"older_than": "72h"})))
	assert.Equal(t, []time.Duration{DefaultFailedRetention, 72 * time.Hour}, p.olderThan)

	err := h.Handle(context.Background(), taskqueue.NewMessage(TypePurgeFailed, map[string]any{"older_than": "-1h"}))
	assert.True(t, taskqueue.IsPermanent(err))

	p.err = errors.New("db locked")
	err = h.Handle(context.Background(), taskqueue.NewMessage(TypePurgeFailed, nil))
	require.Error(t, err)
	assert.False(t, taskqueue.IsPermanent(err))
}

func TestRegister(t *testing.T) {
	r := taskqueue.NewRegistry()
	Register(r, Dependencies{Logger: quiet()})
	assert.True(t, r.Has(TypeWebhookDeliver))
	assert.False(t, r.Has(TypePurgeFailed))

	r = taskqueue.NewRegistry()
	Register(r, Dependencies{Purger: &fakePurger{}, Logger: quiet()})
	assert.ElementsMatch(t, []string{TypeWebhookDeliver, TypePurgeFailed}, r.TaskNames())
}

type recordingProducer struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (p *recordingProducer) Enqueue(_ context.Context, taskName string, payload map[string]any, _ ...taskqueue.MessageOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return taskName, nil
}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

// everyTick fires at a fixed sub-second period, below cron's one second
// resolution for "@every".
type everyTick time.Duration

func (e everyTick) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestSchedulePurge(t *testing.T) {
	p := &recordingProducer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		schedulePurge(ctx, p, everyTick(10*time.Millisecond), 48*time.Hour, quiet())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "48h0m0s", p.payloads[0]["older_than"])
}

func TestSchedulePurgeInvalidSpec(t *testing.T) {
	err := SchedulePurge(context.Background(), &recordingProducer{}, "every tuesday", time.Hour, quiet())
	assert.Error(t, err)
}
