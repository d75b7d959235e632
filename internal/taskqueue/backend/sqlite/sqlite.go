// Package sqlite implements the embedded durable queue backend on a single
// SQLite file.
//
// SQLite has no row locks or SKIP LOCKED, so Dequeue claims a row inside a
// BEGIN IMMEDIATE transaction: the reserved lock it takes is held by at most
// one connection across every process sharing the file, which makes the
// select-then-update claim atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Name is the backend name reported in logs, metrics and stats.
const Name = "embedded"

// DefaultVisibility is how long a dequeued message stays claimed before a
// crashed consumer's message is offered again.
const DefaultVisibility = 5 * time.Minute

// sqliteConstraint is the base result code of SQLITE_CONSTRAINT; extended
// codes carry it in the lower 8 bits.
const sqliteConstraint = 19

// Option configures a Backend.
type Option func(*Backend)

// WithVisibility overrides DefaultVisibility.
func WithVisibility(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.visibility = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithConsumeOptions configures the loop run by StartConsuming.
func WithConsumeOptions(opts ...taskqueue.ConsumeOption) Option {
	return func(b *Backend) {
		b.consumeOpts = append(b.consumeOpts, opts...)
	}
}

// WithoutMigrations skips applying the embedded schema on Open.
func WithoutMigrations() Option {
	return func(b *Backend) {
		b.migrate = false
	}
}

// Backend is the embedded durable backend.
type Backend struct {
	db          *sql.DB
	now         func() time.Time
	visibility  time.Duration
	logger      *slog.Logger
	consumeOpts []taskqueue.ConsumeOption
	migrate     bool
}

var _ taskqueue.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:" for tests.
func Open(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection serializes this process's writers; BEGIN IMMEDIATE
	// and busy_timeout coordinate with other processes.
	db.SetMaxOpenConns(1)

	b := &Backend{
		db:         db,
		now:        time.Now,
		visibility: DefaultVisibility,
		logger:     slog.Default(),
		migrate:    true,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "queue_backend", "backend", Name)

	if err := b.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(ctx context.Context) error {
	var journalMode string
	if err := b.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if mode := strings.ToLower(journalMode); mode != "wal" && mode != "memory" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := b.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	if b.migrate {
		if err := NewMigrator(b.db).MigrateUp(ctx); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for migrations and health checks.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Name implements taskqueue.Backend.
func (b *Backend) Name() string { return Name }

// Delivery implements taskqueue.Backend.
func (b *Backend) Delivery() taskqueue.DeliveryMode { return taskqueue.DeliveryPull }

// Enqueue inserts msg as pending and immediately eligible.
func (b *Backend) Enqueue(ctx context.Context, msg *taskqueue.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now().UTC()
	}

	payload, err := taskqueue.EncodePayload(msg.Payload)
	if err != nil {
		return "", err
	}

	now := b.now().UnixNano()
	_, err = b.db.ExecContext(ctx, `
INSERT INTO task_messages (
  id, task_name, payload, status, attempts,
  created_at, updated_at, next_retry_at, correlation_id, owner_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		msg.ID,
		msg.TaskName,
		string(payload),
		string(taskqueue.StatusPending),
		msg.Attempts,
		msg.CreatedAt.UnixNano(),
		now,
		now,
		nullString(msg.CorrelationID),
		nullString(msg.OwnerID),
	)
	if err != nil {
		if isConstraintError(err) {
			return "", fmt.Errorf("%w: %s", taskqueue.ErrDuplicateMessage, msg.ID)
		}
		return "", fmt.Errorf("sqlite: insert message: %w", err)
	}

	msg.Status = taskqueue.StatusPending
	return msg.ID, nil
}

// Dequeue claims the oldest eligible pending message. Processing rows whose
// visibility window elapsed are returned to pending first, which voids their
// previous claim. Rows whose payload cannot be decoded are failed and skipped.
func (b *Backend) Dequeue(ctx context.Context) (*taskqueue.Message, error) {
	var claimed *taskqueue.Message

	err := b.immediate(ctx, func(conn *sql.Conn) error {
		now := b.now()
		nowNanos := now.UnixNano()

		res, err := conn.ExecContext(ctx, `
UPDATE task_messages
SET status = 'pending', claim_id = NULL, updated_at = ?
WHERE status = 'processing' AND next_retry_at <= ?;
`, nowNanos, nowNanos)
		if err != nil {
			return fmt.Errorf("reclaim expired: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			b.logger.Warn("reclaimed messages past their visibility window", "count", n)
		}

		for {
			msg, skipped, err := b.claimNext(ctx, conn, now)
			if err != nil {
				return err
			}
			if !skipped {
				claimed = msg
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: dequeue: %w", err)
	}
	return claimed, nil
}

// claimNext claims the oldest eligible row, returning nil when nothing is
// eligible. skipped reports that the oldest row was poison and has been
// failed instead, so the caller should look again.
func (b *Backend) claimNext(ctx context.Context, conn *sql.Conn, now time.Time) (msg *taskqueue.Message, skipped bool, err error) {
	nowNanos := now.UnixNano()
	row := conn.QueryRowContext(ctx, `
SELECT id, task_name, payload, attempts, retry_base, created_at, correlation_id, owner_id
FROM task_messages
WHERE status = 'pending' AND next_retry_at <= ?
ORDER BY created_at ASC, rowid ASC
LIMIT 1;
`, nowNanos)

	var (
		id, taskName, payload string
		attempts, retryBase   int
		createdAt             int64
		correlationID         sql.NullString
		ownerID               sql.NullString
	)
	if err := row.Scan(&id, &taskName, &payload, &attempts, &retryBase, &createdAt, &correlationID, &ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select eligible: %w", err)
	}

	decoded, decodeErr := taskqueue.DecodePayload([]byte(payload))
	if decodeErr != nil {
		// Retrying cannot fix a corrupt row; keep it visible as failed.
		b.logger.Error("poison message, marking failed", "message_id", id, "error", decodeErr)
		if _, err := conn.ExecContext(ctx, `
UPDATE task_messages
SET status = 'failed', claim_id = NULL, error_reason = ?, updated_at = ?
WHERE id = ?;
`, decodeErr.Error(), nowNanos, id); err != nil {
			return nil, false, fmt.Errorf("fail poison message: %w", err)
		}
		return nil, true, nil
	}

	claim := uuid.New().String()
	if _, err := conn.ExecContext(ctx, `
UPDATE task_messages
SET status = 'processing', claim_id = ?, updated_at = ?, next_retry_at = ?
WHERE id = ?;
`, claim, nowNanos, now.Add(b.visibility).UnixNano(), id); err != nil {
		return nil, false, fmt.Errorf("claim message: %w", err)
	}

	return &taskqueue.Message{
		ID:            id,
		TaskName:      taskName,
		Payload:       decoded,
		CreatedAt:     time.Unix(0, createdAt).UTC(),
		Attempts:      attempts,
		RetryBase:     retryBase,
		Status:        taskqueue.StatusProcessing,
		CorrelationID: correlationID.String,
		OwnerID:       ownerID.String,
		Receipt:       taskqueue.NewReceipt(id, claim),
	}, false, nil
}

// Ack deletes a claimed row. A receipt settles only the claim it names; a
// bare id deletes any row that has not failed. Unknown ids are ignored.
func (b *Backend) Ack(ctx context.Context, handle string) error {
	id, claim, ok := taskqueue.ParseReceipt(handle)
	if ok {
		res, err := b.db.ExecContext(ctx, `
DELETE FROM task_messages WHERE id = ? AND status = 'processing' AND claim_id = ?;
`, id, claim)
		if err != nil {
			return fmt.Errorf("sqlite: ack %s: %w", id, err)
		}
		b.staleClaim(res, "ack", id)
		return nil
	}

	if _, err := b.db.ExecContext(ctx, `
DELETE FROM task_messages WHERE id = ? AND status IN ('pending', 'processing');
`, id); err != nil {
		return fmt.Errorf("sqlite: ack %s: %w", id, err)
	}
	return nil
}

// Nack returns the message to pending after retryAfter and counts one
// attempt. A stale receipt is ignored.
func (b *Backend) Nack(ctx context.Context, handle string, retryAfter time.Duration) error {
	now := b.now()
	id, claim, ok := taskqueue.ParseReceipt(handle)
	if ok {
		res, err := b.db.ExecContext(ctx, `
UPDATE task_messages
SET status = 'pending', claim_id = NULL, attempts = attempts + 1, next_retry_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND claim_id = ?;
`, now.Add(retryAfter).UnixNano(), now.UnixNano(), id, claim)
		if err != nil {
			return fmt.Errorf("sqlite: nack %s: %w", id, err)
		}
		b.staleClaim(res, "nack", id)
		return nil
	}

	res, err := b.db.ExecContext(ctx, `
UPDATE task_messages
SET status = 'pending', claim_id = NULL, attempts = attempts + 1, next_retry_at = ?, updated_at = ?
WHERE id = ? AND status IN ('processing', 'pending');
`, now.Add(retryAfter).UnixNano(), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: nack %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Fail marks the message failed. The row is kept for inspection and replay.
// A stale receipt is ignored.
func (b *Backend) Fail(ctx context.Context, handle string, reason error) error {
	var reasonText sql.NullString
	if reason != nil {
		reasonText = sql.NullString{String: reason.Error(), Valid: true}
	}

	nowNanos := b.now().UnixNano()
	id, claim, ok := taskqueue.ParseReceipt(handle)
	if ok {
		res, err := b.db.ExecContext(ctx, `
UPDATE task_messages
SET status = 'failed', claim_id = NULL, error_reason = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND claim_id = ?;
`, reasonText, nowNanos, id, claim)
		if err != nil {
			return fmt.Errorf("sqlite: fail %s: %w", id, err)
		}
		b.staleClaim(res, "fail", id)
		return nil
	}

	res, err := b.db.ExecContext(ctx, `
UPDATE task_messages
SET status = 'failed', claim_id = NULL, error_reason = ?, updated_at = ?
WHERE id = ?;
`, reasonText, nowNanos, id)
	if err != nil {
		return fmt.Errorf("sqlite: fail %s: %w", id, err)
	}
	return requireRow(res, id)
}

// staleClaim logs a receipt-based settle that matched no row: the claim was
// reclaimed after its visibility window and now belongs to another delivery.
func (b *Backend) staleClaim(res sql.Result, op, id string) {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		b.logger.Warn("ignoring settle of a stale claim", "op", op, "message_id", id)
	}
}

// StartConsuming runs the generic consume loop.
func (b *Backend) StartConsuming(ctx context.Context, handler taskqueue.Handler) error {
	opts := append([]taskqueue.ConsumeOption{taskqueue.WithConsumeLogger(b.logger)}, b.consumeOpts...)
	return taskqueue.Consume(ctx, b, handler, opts...)
}

// Stats counts rows by state. Pending rows not yet due are reported as delayed.
func (b *Backend) Stats(ctx context.Context) (taskqueue.Stats, error) {
	stats := taskqueue.Stats{Backend: Name}

	rows, err := b.db.QueryContext(ctx, `
SELECT status,
       COUNT(*),
       COALESCE(SUM(CASE WHEN next_retry_at > ? THEN 1 ELSE 0 END), 0)
FROM task_messages
GROUP BY status;
`, b.now().UnixNano())
	if err != nil {
		return stats, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var total, notDue int64
		if err := rows.Scan(&status, &total, &notDue); err != nil {
			return stats, fmt.Errorf("sqlite: stats: %w", err)
		}
		switch taskqueue.Status(status) {
		case taskqueue.StatusPending:
			stats.Pending += total - notDue
			stats.Delayed += notDue
		case taskqueue.StatusProcessing:
			stats.Processing += total
		case taskqueue.StatusFailed:
			stats.Failed += total
		}
	}
	return stats, rows.Err()
}

// Ping checks the database handle.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// immediate runs fn inside a BEGIN IMMEDIATE transaction on a pinned
// connection. COMMIT and ROLLBACK ignore ctx cancellation so the connection
// never returns to the pool with an open transaction.
func (b *Backend) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	settle := context.WithoutCancel(ctx)
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(settle, "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(settle, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", taskqueue.ErrMessageNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqliteConstraint
}
