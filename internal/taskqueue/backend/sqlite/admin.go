package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

const selectColumns = `id, task_name, payload, status, attempts, retry_base, created_at, correlation_id, owner_id, error_reason`

// Get returns the stored message with the given id.
func (b *Backend) Get(ctx context.Context, id string) (*taskqueue.Message, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_messages WHERE id = ?;`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", taskqueue.ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	return msg, nil
}

// List returns up to limit messages in the given status, oldest first.
func (b *Backend) List(ctx context.Context, status taskqueue.Status, limit int) ([]*taskqueue.Message, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("sqlite: invalid status %q", status)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := b.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM task_messages
WHERE status = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?;
`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", status, err)
	}
	defer rows.Close()

	var messages []*taskqueue.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list %s: %w", status, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PurgeFailed deletes failed messages last updated more than olderThan ago.
func (b *Backend) PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := b.now().Add(-olderThan).UnixNano()
	res, err := b.db.ExecContext(ctx, `
DELETE FROM task_messages WHERE status = 'failed' AND updated_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge failed: %w", err)
	}
	if n > 0 {
		b.logger.Info("purged failed messages", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// RequeueFailed returns a failed message to pending with a fresh retry
// budget. Attempts keeps counting; retry_base records where the new budget
// starts.
func (b *Backend) RequeueFailed(ctx context.Context, id string) error {
	now := b.now().UnixNano()
	res, err := b.db.ExecContext(ctx, `
UPDATE task_messages
SET status = 'pending', retry_base = attempts, claim_id = NULL, error_reason = NULL,
    next_retry_at = ?, updated_at = ?
WHERE id = ? AND status = 'failed';
`, now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: requeue %s: %w", id, err)
	}
	return requireRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*taskqueue.Message, error) {
	var (
		msg                           taskqueue.Message
		payload, status               string
		createdAt                     int64
		correlationID, ownerID, cause sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.TaskName, &payload, &status, &msg.Attempts, &msg.RetryBase,
		&createdAt, &correlationID, &ownerID, &cause); err != nil {
		return nil, err
	}

	decoded, err := taskqueue.DecodePayload([]byte(payload))
	if err != nil {
		return nil, err
	}
	st, err := taskqueue.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	msg.Payload = decoded
	msg.Status = st
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.CorrelationID = correlationID.String
	msg.OwnerID = ownerID.String
	msg.ErrorReason = cause.String
	return &msg, nil
}
