// Package metrics exports Prometheus metrics for the HTTP API and the queue.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Config controls metric naming and the optional Go collectors.
type Config struct {
	// Namespace prefixes every metric name.
	Namespace string
	// Version is reported by the build_info gauge.
	Version string

	EnableProcessMetrics bool
	EnableRuntimeMetrics bool

	Buckets Buckets
}

// Buckets are the histogram boundaries, in seconds for durations and
// bytes for sizes.
type Buckets struct {
	Request      []float64
	ResponseSize []float64
	Handler      []float64
}

// DefaultConfig enables the Go collectors under the taskqueue namespace.
func DefaultConfig() Config {
	return Config{
		Namespace:            "taskqueue",
		Version:              "unknown",
		EnableProcessMetrics: true,
		EnableRuntimeMetrics: true,
		Buckets:              DefaultBuckets(),
	}
}

// DefaultBuckets suits sub-second API calls and handlers that may run for
// minutes, such as webhook deliveries with slow receivers.
func DefaultBuckets() Buckets {
	return Buckets{
		Request:      prometheus.DefBuckets,
		ResponseSize: prometheus.ExponentialBuckets(100, 10, 5),
		Handler:      []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}
}

// WithNamespace overrides the namespace when ns is set.
func (c Config) WithNamespace(ns string) Config {
	if ns != "" {
		c.Namespace = ns
	}
	return c
}

// WithVersion sets the build_info version label.
func (c Config) WithVersion(version string) Config {
	c.Version = version
	return c
}
