package metrics

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "taskqueue", cfg.Namespace)
	assert.True(t, cfg.EnableProcessMetrics)
	assert.True(t, cfg.EnableRuntimeMetrics)
	assert.Equal(t, "unknown", cfg.Version)

	cfg = cfg.WithNamespace("jobs").WithVersion("1.2.0")
	assert.Equal(t, "jobs", cfg.Namespace)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "jobs", cfg.WithNamespace("").Namespace)
}

func TestNewRegistry(t *testing.T) {
	reg := newTestRegistry()

	assert.NotNil(t, reg.PrometheusRegistry())
	assert.Equal(t, "taskqueue", reg.Config().Namespace)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "taskqueue_build_info")
}

func TestQueueMetrics(t *testing.T) {
	reg := newTestRegistry()
	q := reg.Queue()

	q.Enqueued("embedded", "email:send")
	q.Enqueued("embedded", "email:send")

	q.Started("embedded", "email:send")
	assert.Equal(t, float64(1), gaugeValue(t, reg.queueInFlight, "embedded"))

	q.Delivered("embedded", "email:send", taskqueue.OutcomeAcked, 250*time.Millisecond)
	assert.Equal(t, float64(0), gaugeValue(t, reg.queueInFlight, "embedded"))

	q.Started("embedded", "email:send")
	q.Delivered("embedded", "email:send", taskqueue.OutcomeRetried, time.Second)

	q.Delivered("embedded", "unknown:task", taskqueue.OutcomeUnhandled, 0)
	q.LoopError("embedded")

	assert.Equal(t, float64(2), counterValue(t, reg.queueEnqueuedTotal, "embedded", "email:send"))
	assert.Equal(t, float64(1), counterValue(t, reg.queueProcessedTotal, "embedded", "email:send", "acked"))
	assert.Equal(t, float64(1), counterValue(t, reg.queueProcessedTotal, "embedded", "email:send", "retried"))
	assert.Equal(t, float64(1), counterValue(t, reg.queueProcessedTotal, "embedded", "unknown:task", "unhandled"))
	assert.Equal(t, float64(1), counterValue(t, reg.queueLoopErrorsTotal, "embedded"))
	assert.Equal(t, float64(0), gaugeValue(t, reg.queueInFlight, "embedded"))
	assert.Equal(t, uint64(2), histogramCount(t, reg.queueProcessingTime, "embedded", "email:send"))
}

func TestQueueMetrics_SetDepth(t *testing.T) {
	reg := newTestRegistry()
	reg.Queue().SetDepth(taskqueue.Stats{Backend: "cloud", Pending: 7, Delayed: 2, Processing: 1})

	assert.Equal(t, float64(7), gaugeValue(t, reg.queueDepth, "cloud", "pending"))
	assert.Equal(t, float64(2), gaugeValue(t, reg.queueDepth, "cloud", "delayed"))
	assert.Equal(t, float64(1), gaugeValue(t, reg.queueDepth, "cloud", "processing"))
	assert.Equal(t, float64(0), gaugeValue(t, reg.queueDepth, "cloud", "failed"))
}

type stubStats struct {
	calls atomic.Int32
	err   error
}

func (s *stubStats) Stats(context.Context) (taskqueue.Stats, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return taskqueue.Stats{}, s.err
	}
	return taskqueue.Stats{Backend: "embedded", Pending: int64(n)}, nil
}

func TestQueueMetrics_DepthCollector(t *testing.T) {
	reg := newTestRegistry()
	src := &stubStats{}

	stop := reg.Queue().StartDepthCollector(context.Background(), src, 10*time.Millisecond, nil)
	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, gaugeValue(t, reg.queueDepth, "embedded", "pending"), float64(1))

	failing := &stubStats{err: errors.New("unavailable")}
	stop = reg.Queue().StartDepthCollector(context.Background(), failing, 10*time.Millisecond,
		slogDiscard())
	require.Eventually(t, func() bool { return failing.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestRegisterStore(t *testing.T) {
	reg := newTestRegistry()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	require.NoError(t, reg.RegisterStore("queue", db))
	require.NoError(t, reg.RegisterStore("queue", db))

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `go_sql_max_open_connections{db_name="queue"} 1`)
}

func TestHTTPMiddleware(t *testing.T) {
	reg := newTestRegistry()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(reg, "/health/live"))
	r.Get("/api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, float64(3), counterValue(t, reg.httpRequestsTotal, "GET", "/api/v1/tasks/{id}", "202"))
	assert.Equal(t, float64(1), counterValue(t, reg.httpRequestsTotal, "GET", unmatchedRoute, "404"))
	assert.Equal(t, float64(0), counterValue(t, reg.httpRequestsTotal, "GET", "/health/live", "200"))
	assert.Equal(t, float64(0), gaugeValue(t, reg.httpActiveRequests, "GET"))
}

func TestHandler(t *testing.T) {
	reg := newTestRegistry()
	reg.Queue().Enqueued("embedded", "email:send")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `taskqueue_queue_enqueued_total{backend="embedded",task="email:send"} 1`))
}

func newTestRegistry() *Registry {
	cfg := DefaultConfig()
	cfg.EnableProcessMetrics = false
	cfg.EnableRuntimeMetrics = false
	return NewRegistry(cfg)
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := cv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	var metric dto.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gv *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := gv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	var metric dto.Metric
	require.NoError(t, gauge.Write(&metric))
	return metric.GetGauge().GetValue()
}

func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	obs, err := hv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	var metric dto.Metric
	require.NoError(t, obs.(prometheus.Metric).Write(&metric))
	return metric.GetHistogram().GetSampleCount()
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
