package logging

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// MessageIDKey is the context key for the message being handled.
	MessageIDKey contextKey = "message_id"
	// TaskNameKey is the context key for the task name being handled.
	TaskNameKey contextKey = "task_name"
	// CorrelationIDKey is the context key for correlation ids.
	CorrelationIDKey contextKey = "correlation_id"
	// OwnerIDKey is the context key for owner ids.
	OwnerIDKey contextKey = "owner_id"
)

// contextAttrs lists the keys lifted into every record, in output order.
var contextAttrs = []contextKey{
	RequestIDKey,
	MessageIDKey,
	TaskNameKey,
	CorrelationIDKey,
	OwnerIDKey,
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// ContextWithMessage records the message being handled.
func ContextWithMessage(ctx context.Context, messageID, taskName string) context.Context {
	ctx = setIfNotEmpty(ctx, MessageIDKey, messageID)
	return setIfNotEmpty(ctx, TaskNameKey, taskName)
}

// ContextWithCorrelation records correlation metadata carried by a message.
func ContextWithCorrelation(ctx context.Context, correlationID, ownerID string) context.Context {
	ctx = setIfNotEmpty(ctx, CorrelationIDKey, correlationID)
	return setIfNotEmpty(ctx, OwnerIDKey, ownerID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetMessageID retrieves the message ID from the context.
func GetMessageID(ctx context.Context) string {
	return stringValue(ctx, MessageIDKey)
}

// GetCorrelationID retrieves the correlation ID from the context.
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// GenerateRequestID generates a new UUID v4 request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

func setIfNotEmpty(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
