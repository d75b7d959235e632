// Package types defines API request and response types.
package types

// EnqueueRequest submits one task.
type EnqueueRequest struct {
	TaskName      string         `json:"task_name" validate:"required,min=1,max=255"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id" validate:"omitempty,max=255"`
	OwnerID       string         `json:"owner_id" validate:"omitempty,max=255"`
}

// ListParams selects stored messages by status.
type ListParams struct {
	Status string `validate:"required,oneof=pending processing completed failed"`
	Limit  int    `validate:"min=1,max=500"`
}

// DefaultLimit is the default number of messages per listing.
const DefaultLimit = 50

// DefaultMaxLimit is the largest listing allowed.
const DefaultMaxLimit = 500
