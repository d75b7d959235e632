package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/pkg/logging"
)

// EnqueueTask handles POST /api/v1/tasks.
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req types.EnqueueRequest
	if err := h.decodeAndValidate(w, r, &req); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			h.respondValidationError(w, err)
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []taskqueue.MessageOption
	if req.CorrelationID != "" {
		opts = append(opts, taskqueue.WithCorrelationID(req.CorrelationID))
	}
	if req.OwnerID != "" {
		opts = append(opts, taskqueue.WithOwnerID(req.OwnerID))
	}

	ctx := logging.ContextWithCorrelation(r.Context(), req.CorrelationID, req.OwnerID)
	id, err := h.producer.Enqueue(ctx, req.TaskName, req.Payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, taskqueue.ErrInvalidTaskName):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, taskqueue.ErrDuplicateMessage):
			h.respondError(w, http.StatusConflict, "message already exists")
		default:
			h.logger.ErrorContext(ctx, "enqueue failed", "task_name", req.TaskName, "error", err)
			h.respondError(w, http.StatusServiceUnavailable, "failed to enqueue task")
		}
		return
	}

	h.respondJSON(w, http.StatusAccepted, types.EnqueueResponse{
		ID:       id,
		TaskName: req.TaskName,
		Status:   string(taskqueue.StatusPending),
	})
}
