package metrics

import (
	"strconv"
	"time"
)

// HTTPMetrics provides methods to record HTTP-related metrics.
type HTTPMetrics struct {
	registry *Registry
}

// HTTP returns the HTTP metrics interface for the registry.
func (r *Registry) HTTP() *HTTPMetrics {
	return &HTTPMetrics{registry: r}
}

// RecordRequest records all metrics for an HTTP request.
func (h *HTTPMetrics) RecordRequest(method, path string, statusCode int, duration time.Duration, respSize int64) {
	h.registry.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	h.registry.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if respSize >= 0 {
		h.registry.httpResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
	}
}

// IncActiveRequests increments the active request count.
func (h *HTTPMetrics) IncActiveRequests(method string) {
	h.registry.httpActiveRequests.WithLabelValues(method).Inc()
}

// DecActiveRequests decrements the active request count.
func (h *HTTPMetrics) DecActiveRequests(method string) {
	h.registry.httpActiveRequests.WithLabelValues(method).Dec()
}
