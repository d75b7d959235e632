package metrics

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterStore exposes the connection pool of db under the db_name label.
// The pool is read at scrape time, so no collector goroutine is needed.
// Registering the same name twice is a no-op.
func (r *Registry) RegisterStore(name string, db *sql.DB) error {
	err := r.registry.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
// Collection errors are counted in promhttp_metric_handler_errors_total and
// the remaining metrics are still served.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		Registry:          r.registry,
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
