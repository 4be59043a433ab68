package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteQueue implements Queue on SQLite for local CLI runs. It shares the
// store's single-writer handle.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue wraps a handle and ensures the events table.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db}
	if err := q.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			parent_event_id TEXT,
			trace_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT NOT NULL DEFAULT '',
			ttl_ms INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread_status ON events(thread_id, status)`,
	}
	for _, stmt := range ddl {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Add persists one pending event.
func (q *SQLiteQueue) Add(ctx context.Context, ev *models.Event) (*models.Event, error) {
	stored := cloneEvent(ev)
	stamp(stored, uuid.NewString(), time.Now())

	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO events (id, thread_id, type, payload, parent_event_id, trace_id, priority, status, ttl_ms, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
	`, stored.ID, stored.ThreadID, string(stored.Type), string(stored.Payload),
		nullString(stored.ParentEventID), nullString(stored.TraceID),
		stored.Priority, stored.TTLMs, nullTime(stored.ExpiresAt),
		stored.CreatedAt, stored.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	*ev = *cloneEvent(stored)
	return stored, nil
}

// AddBatch persists events in order within one transaction.
func (q *SQLiteQueue) AddBatch(ctx context.Context, evs []*models.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	for _, ev := range evs {
		stamp(ev, uuid.NewString(), time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, thread_id, type, payload, parent_event_id, trace_id, priority, status, ttl_ms, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
		`, ev.ID, ev.ThreadID, string(ev.Type), string(ev.Payload),
			nullString(ev.ParentEventID), nullString(ev.TraceID),
			ev.Priority, ev.TTLMs, nullTime(ev.ExpiresAt),
			ev.CreatedAt, ev.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Claim atomically moves the next pending event of the thread to processing,
// failing the thread's expired pending events on the way. A thread with an
// in-flight event yields nothing.
func (q *SQLiteQueue) Claim(ctx context.Context, threadID string) (*models.Event, error) {
	now := time.Now()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', failure_reason = ?, updated_at = ?
		WHERE thread_id = ? AND status = 'pending'
			AND expires_at IS NOT NULL AND expires_at <= ?
	`, FailureReasonExpired, now, threadID, now); err != nil {
		return nil, fmt.Errorf("failed to expire stale events: %w", err)
	}

	ev, err := scanEvent(q.db.QueryRowContext(ctx, `
		UPDATE events SET status = 'processing', updated_at = ?
		WHERE id = (
			SELECT id FROM events
			WHERE thread_id = ? AND status = 'pending'
				AND (expires_at IS NULL OR expires_at > ?)
				AND NOT EXISTS (
					SELECT 1 FROM events WHERE thread_id = ? AND status = 'processing'
				)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+eventColumns, now, threadID, now, threadID))
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if inflight, err := q.Processing(ctx, threadID); err != nil {
		return nil, err
	} else if inflight != nil {
		return nil, ErrEmpty
	}
	var pending int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE thread_id = ? AND status = 'pending'
			AND (expires_at IS NULL OR expires_at > ?)
	`, threadID, now).Scan(&pending); err != nil {
		return nil, fmt.Errorf("failed to count pending events: %w", err)
	}
	if pending > 0 {
		return nil, ErrClaimLost
	}
	return nil, ErrEmpty
}

// Processing returns the in-flight event for a thread, or nil.
func (q *SQLiteQueue) Processing(ctx context.Context, threadID string) (*models.Event, error) {
	ev, err := scanEvent(q.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE thread_id = ? AND status = 'processing'
		LIMIT 1
	`, threadID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// MarkCompleted transitions a processing event to completed.
func (q *SQLiteQueue) MarkCompleted(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE events SET status = 'completed', updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed transitions a pending or processing event to failed.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', failure_reason = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Get returns an event by id.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*models.Event, error) {
	return scanEvent(q.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = ?
	`, id))
}

// ListByThread returns events for a thread, oldest first.
func (q *SQLiteQueue) ListByThread(ctx context.Context, threadID string, status models.EventStatus, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE thread_id = ?`
	args := []any{threadID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FailExpired marks expired pending events failed.
func (q *SQLiteQueue) FailExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', failure_reason = ?, updated_at = ?
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
	`, FailureReasonExpired, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired events: %w", err)
	}
	return res.RowsAffected()
}

// Close leaves the shared handle to its owner.
func (q *SQLiteQueue) Close() error { return nil }
