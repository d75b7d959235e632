package types

import (
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/internal/taskqueue/monitor"
)

// EnqueueResponse acknowledges an accepted task.
type EnqueueResponse struct {
	ID       string `json:"id"`
	TaskName string `json:"task_name"`
	Status   string `json:"status"`
}

// MessageResponse represents a stored message.
type MessageResponse struct {
	ID            string         `json:"id"`
	TaskName      string         `json:"task_name"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	ErrorReason   string         `json:"error_reason,omitempty"`
}

// MessageFromModel converts a queue message to its API form.
func MessageFromModel(m *taskqueue.Message) *MessageResponse {
	return &MessageResponse{
		ID:            m.ID,
		TaskName:      m.TaskName,
		Payload:       m.Payload,
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		CreatedAt:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		OwnerID:       m.OwnerID,
		ErrorReason:   m.ErrorReason,
	}
}

// MessagesFromModels converts a slice of queue messages.
func MessagesFromModels(msgs []*taskqueue.Message) []*MessageResponse {
	out := make([]*MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = MessageFromModel(m)
	}
	return out
}

// StatsResponse combines backend depth with process counters.
type StatsResponse struct {
	Queue   taskqueue.Stats   `json:"queue"`
	Workers *monitor.Snapshot `json:"workers,omitempty"`
}

// PurgeResponse reports how many failed messages were removed.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// ListResponse wraps a listing.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Limit int `json:"limit"`
}

// NewListResponse creates a list response. A nil slice is encoded as [].
func NewListResponse[T any](data []T, limit int) *ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return &ListResponse[T]{Data: data, Limit: limit}
}
