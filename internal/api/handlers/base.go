// Package handlers contains HTTP request handlers for the queue API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/internal/taskqueue/monitor"
)

// maxBodyBytes bounds enqueue request bodies.
const maxBodyBytes = 1 << 20

// Producer accepts new tasks. *taskqueue.Service implements it.
type Producer interface {
	Enqueue(ctx context.Context, taskName string, payload map[string]any, opts ...taskqueue.MessageOption) (string, error)
	Stats(ctx context.Context) (taskqueue.Stats, error)
}

// MessageStore is implemented by backends that keep messages queryable,
// currently the embedded SQLite backend.
type MessageStore interface {
	Get(ctx context.Context, id string) (*taskqueue.Message, error)
	List(ctx context.Context, status taskqueue.Status, limit int) ([]*taskqueue.Message, error)
	RequeueFailed(ctx context.Context, id string) error
	PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	producer Producer
	store    MessageStore
	monitor  *monitor.Monitor
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMessageStore enables the message inspection and failed-message routes.
func WithMessageStore(s MessageStore) Option {
	return func(h *Handler) {
		h.store = s
	}
}

// WithMonitor adds process counters to the stats response.
func WithMonitor(m *monitor.Monitor) Option {
	return func(h *Handler) {
		h.monitor = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a Handler for producer.
func NewHandler(producer Producer, opts ...Option) *Handler {
	h := &Handler{
		producer: producer,
		validate: validator.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// HasMessageStore reports whether the inspection routes are available.
func (h *Handler) HasMessageStore() bool {
	return h.store != nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Debug("write response failed", "error", err)
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, types.ErrorResponse{Error: message})
}

func (h *Handler) respondValidationError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		details := make(map[string]string, len(validationErrs))
		for _, e := range validationErrs {
			details[e.Field()] = formatValidationError(e)
		}
		h.respondJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   "validation failed",
			Details: details,
		})
		return
	}
	h.respondError(w, http.StatusBadRequest, "invalid input")
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}
