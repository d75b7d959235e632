package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages all Prometheus metrics for the task queue.
type Registry struct {
	config   Config
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec
	httpActiveRequests  *prometheus.GaugeVec

	// Queue metrics
	queueEnqueuedTotal   *prometheus.CounterVec
	queueProcessedTotal  *prometheus.CounterVec
	queueProcessingTime  *prometheus.HistogramVec
	queueInFlight        *prometheus.GaugeVec
	queueLoopErrorsTotal *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with the given configuration.
func NewRegistry(config Config) *Registry {
	if config.Namespace == "" {
		config.Namespace = DefaultConfig().Namespace
	}
	if config.Buckets.Request == nil {
		config.Buckets = DefaultBuckets()
	}

	r := &Registry{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	r.registerHTTPMetrics()
	r.registerQueueMetrics()

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "build_info",
		Help:      "Build information, always 1",
	}, []string{"version"})
	buildInfo.WithLabelValues(config.Version).Set(1)
	r.registry.MustRegister(buildInfo)

	if config.EnableProcessMetrics {
		r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if config.EnableRuntimeMetrics {
		r.registry.MustRegister(collectors.NewGoCollector())
	}

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) registerHTTPMetrics() {
	ns := r.config.Namespace

	r.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status_code"},
	)

	r.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   r.config.Buckets.Request,
		},
		[]string{"method", "path"},
	)

	r.httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   r.config.Buckets.ResponseSize,
		},
		[]string{"method", "path"},
	)

	r.httpActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests",
		},
		[]string{"method"},
	)

	r.registry.MustRegister(
		r.httpRequestsTotal,
		r.httpRequestDuration,
		r.httpResponseSize,
		r.httpActiveRequests,
	)
}

func (r *Registry) registerQueueMetrics() {
	ns := r.config.Namespace

	r.queueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of messages enqueued",
		},
		[]string{"backend", "task"},
	)

	r.queueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total number of delivered messages by outcome",
		},
		[]string{"backend", "task", "outcome"},
	)

	r.queueProcessingTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "processing_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   r.config.Buckets.Handler,
		},
		[]string{"backend", "task"},
	)

	r.queueInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Number of messages currently being handled",
		},
		[]string{"backend"},
	)

	r.queueLoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "loop_errors_total",
			Help:      "Total number of backend errors seen by consume loops",
		},
		[]string{"backend"},
	)

	r.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages in the backend by state, as last sampled",
		},
		[]string{"backend", "state"},
	)

	r.registry.MustRegister(
		r.queueEnqueuedTotal,
		r.queueProcessedTotal,
		r.queueProcessingTime,
		r.queueInFlight,
		r.queueLoopErrorsTotal,
		r.queueDepth,
	)
}
