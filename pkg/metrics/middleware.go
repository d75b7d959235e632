package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests that matched no chi route, keeping path
// cardinality bounded.
const unmatchedRoute = "unmatched"

// HTTPMiddleware records request metrics labelled by the chi route pattern.
// Requests to skipPaths are not recorded.
func HTTPMiddleware(registry *Registry, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	m := registry.HTTP()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			m.IncActiveRequests(r.Method)
			defer m.DecActiveRequests(r.Method)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest(r.Method, routePattern(r), status, time.Since(start), int64(ww.BytesWritten()))
		})
	}
}

// routePattern is read after the handler ran, once chi has resolved it.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
