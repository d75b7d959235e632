// Package tasks defines the built-in task types and their handlers.
package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Task names.
const (
	TypeWebhookDeliver = "webhook:deliver"
	TypePurgeFailed    = "queue:purge_failed"
)

// Dependencies are the collaborators of the built-in handlers.
type Dependencies struct {
	// Purger is set when the active backend keeps failed messages.
	Purger Purger

	// Webhook overrides the default webhook handler.
	Webhook *WebhookHandler

	Logger *slog.Logger
}

// Register installs the built-in handlers on r. The purge handler is only
// registered when deps.Purger is set.
func Register(r *taskqueue.Registry, deps Dependencies) {
	webhook := deps.Webhook
	if webhook == nil {
		webhook = NewWebhookHandler(WithWebhookLogger(deps.Logger))
	}
	r.Register(TypeWebhookDeliver, webhook.Handle)

	if deps.Purger != nil {
		r.Register(TypePurgeFailed, NewPurgeHandler(deps.Purger, deps.Logger).Handle)
	}
}

// decodePayload converts a message payload into a typed struct. A payload
// that does not fit is permanent: retrying cannot fix it.
func decodePayload(msg *taskqueue.Message, v any) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return taskqueue.Permanent(fmt.Errorf("%s: encode payload: %w", msg.TaskName, err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return taskqueue.Permanent(fmt.Errorf("%s: decode payload: %w", msg.TaskName, err))
	}
	return nil
}
