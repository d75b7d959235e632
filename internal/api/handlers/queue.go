package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
)

// defaultPurgeAge is used when DELETE /queue/failed has no older_than.
const defaultPurgeAge = 7 * 24 * time.Hour

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.producer.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "queue stats failed", "error", err)
		h.respondError(w, http.StatusServiceUnavailable, "queue backend unavailable")
		return
	}

	resp := types.StatsResponse{Queue: stats}
	if h.monitor != nil {
		snap := h.monitor.Snapshot()
		resp.Workers = &snap
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetMessage handles GET /api/v1/queue/messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, types.MessageFromModel(msg))
}

// ListMessages handles GET /api/v1/queue/messages?status=failed&limit=50.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	params := types.ListParams{
		Status: r.URL.Query().Get("status"),
		Limit:  types.DefaultLimit,
	}
	if params.Status == "" {
		params.Status = string(taskqueue.StatusFailed)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		params.Limit = n
	}
	if err := h.validate.Struct(params); err != nil {
		h.respondValidationError(w, err)
		return
	}

	msgs, err := h.store.List(r.Context(), taskqueue.Status(params.Status), params.Limit)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, types.NewListResponse(types.MessagesFromModels(msgs), params.Limit))
}

// RequeueFailed handles POST /api/v1/queue/failed/{id}/requeue.
func (h *Handler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RequeueFailed(r.Context(), id); err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "failed message requeued", "message_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// PurgeFailed handles DELETE /api/v1/queue/failed?older_than=24h.
func (h *Handler) PurgeFailed(w http.ResponseWriter, r *http.Request) {
	olderThan := defaultPurgeAge
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.respondError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		olderThan = d
	}

	n, err := h.store.PurgeFailed(r.Context(), olderThan)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, types.PurgeResponse{Purged: n})
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, taskqueue.ErrMessageNotFound) {
		h.respondError(w, http.StatusNotFound, "message not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "message store error", "error", err)
	h.respondError(w, http.StatusInternalServerError, "internal error")
}
