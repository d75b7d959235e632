package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves the health endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new health check handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.registry.Health(r.Context()))
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.registry.Liveness(r.Context()))
}

// Readiness handles GET /health/ready. It answers 503 while a critical
// dependency such as the queue backend is unavailable.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.registry.Readiness(r.Context()))
}

// Mount registers the health routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/live", h.Liveness)
	r.Get("/health/ready", h.Readiness)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
