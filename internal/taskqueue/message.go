// Package taskqueue provides a backend-agnostic asynchronous task queue with
// at-least-once delivery and bounded, exponentially backed-off retries.
package taskqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery state of a message.
type Status string

// Message status constants.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// pending -> processing -> {completed | pending | failed}. A pending message may
// also be failed directly when an operator dead-letters it.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus parses a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// UnmarshalJSON rejects statuses outside the closed set.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = StatusPending
		return nil
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Message is the envelope for one unit of work.
type Message struct {
	// ID identifies this message instance. Cloud backends replace it with the
	// receipt handle of the current delivery.
	ID string `json:"id"`

	// TaskName selects the handler.
	TaskName string `json:"task_name"`

	// Payload is passed through to the handler untouched.
	Payload map[string]any `json:"payload"`

	CreatedAt time.Time `json:"created_at"`

	// Attempts counts nacks. It never decreases for a logical message.
	Attempts int `json:"attempts"`

	// RetryBase is the value of Attempts when the message was last requeued
	// from failed. The retry budget applies to Attempts - RetryBase.
	RetryBase int `json:"retry_base,omitempty"`

	Status Status `json:"status"`

	CorrelationID string `json:"correlation_id,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	ErrorReason   string `json:"error_reason,omitempty"`

	// Receipt identifies the delivery that handed out this message. Backends
	// that set it accept settlement only through the current receipt.
	Receipt string `json:"-"`
}

// MessageOption configures optional message metadata.
type MessageOption func(*Message)

// WithCorrelationID sets the correlation id carried through delivery.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithOwnerID sets the owner id carried through delivery.
func WithOwnerID(id string) MessageOption {
	return func(m *Message) {
		m.OwnerID = id
	}
}

// NewMessage creates a pending message with a fresh id.
func NewMessage(taskName string, payload map[string]any, opts ...MessageOption) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	m := &Message{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const receiptPrefix = "claim:"

// NewReceipt builds a delivery receipt for message id under claim. claim
// must not contain a colon.
func NewReceipt(id, claim string) string {
	return receiptPrefix + claim + ":" + id
}

// ParseReceipt splits a receipt built by NewReceipt. For any other input it
// returns s as the id and ok false.
func ParseReceipt(s string) (id, claim string, ok bool) {
	rest, found := strings.CutPrefix(s, receiptPrefix)
	if !found {
		return s, "", false
	}
	claim, id, found = strings.Cut(rest, ":")
	if !found || claim == "" || id == "" {
		return s, "", false
	}
	return id, claim, true
}

// Handle returns the identifier to pass to Ack, Nack and Fail.
func (m *Message) Handle() string {
	if m.Receipt != "" {
		return m.Receipt
	}
	return m.ID
}

// Retries returns the attempts counted against the retry budget.
func (m *Message) Retries() int {
	if n := m.Attempts - m.RetryBase; n > 0 {
		return n
	}
	return 0
}

// Encode serializes the message for transports that carry opaque bodies.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage reconstructs a message from its encoded form. Any failure is
// reported as ErrPoisonMessage since retrying cannot fix it.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if m.TaskName == "" {
		return nil, fmt.Errorf("%w: missing task name", ErrPoisonMessage)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	return &m, nil
}

// EncodePayload serializes a payload map for column storage.
func EncodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(data []byte) (map[string]any, error) {
	payload := map[string]any{}
	if len(data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
