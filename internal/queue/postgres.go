package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/parleyhq/parley/pkg/models"
)

const eventColumns = `id, thread_id, type, payload, parent_event_id, trace_id, priority, status, failure_reason, ttl_ms, expires_at, created_at, updated_at`

// PostgresQueue implements Queue on PostgreSQL. It can share a pool with the
// Postgres store.
type PostgresQueue struct {
	db *sql.DB

	stmtInsert     *sql.Stmt
	stmtClaim      *sql.Stmt
	stmtExpire     *sql.Stmt
	stmtPendingCnt *sql.Stmt
	stmtProcessing *sql.Stmt
	stmtComplete   *sql.Stmt
	stmtFail       *sql.Stmt
	stmtGet        *sql.Stmt
	// ownsDB is false when the handle was passed in from outside.
	ownsDB bool
}

// NewPostgresQueue wraps a handle, ensures the events table, and prepares
// statements.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if err := q.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	if err := q.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return q, nil
}

// NewPostgresQueueFromDB is like NewPostgresQueue but skips DDL. Used by
// tests with sqlmock.
func NewPostgresQueueFromDB(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if err := q.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return q, nil
}

func (q *PostgresQueue) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			parent_event_id TEXT,
			trace_id TEXT,
			priority INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT NOT NULL DEFAULT '',
			ttl_ms BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread_status ON events(thread_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending_order
			ON events(thread_id, priority DESC, created_at ASC, id ASC)
			WHERE status = 'pending'`,
	}
	for _, stmt := range ddl {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (q *PostgresQueue) prepareStatements() error {
	var err error

	q.stmtInsert, err = q.db.Prepare(`
		INSERT INTO events (id, thread_id, type, payload, parent_event_id, trace_id, priority, status, ttl_ms, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $10)
	`)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	// The subquery picks the next live pending event; the outer guard
	// ensures only one worker wins when two race on the same row, and the
	// NOT EXISTS keeps a thread with an in-flight event unclaimed.
	q.stmtClaim, err = q.db.Prepare(`
		UPDATE events SET status = 'processing', updated_at = $2
		WHERE id = (
			SELECT id FROM events
			WHERE thread_id = $1 AND status = 'pending'
				AND (expires_at IS NULL OR expires_at > $2)
				AND NOT EXISTS (
					SELECT 1 FROM events WHERE thread_id = $1 AND status = 'processing'
				)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING ` + eventColumns)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}

	q.stmtExpire, err = q.db.Prepare(`
		UPDATE events SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE thread_id = $1 AND status = 'pending'
			AND expires_at IS NOT NULL AND expires_at <= $3
	`)
	if err != nil {
		return fmt.Errorf("expire events: %w", err)
	}

	q.stmtPendingCnt, err = q.db.Prepare(`
		SELECT COUNT(*) FROM events
		WHERE thread_id = $1 AND status = 'pending'
			AND (expires_at IS NULL OR expires_at > $2)
	`)
	if err != nil {
		return fmt.Errorf("pending count: %w", err)
	}

	q.stmtProcessing, err = q.db.Prepare(`
		SELECT ` + eventColumns + ` FROM events
		WHERE thread_id = $1 AND status = 'processing'
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("processing event: %w", err)
	}

	q.stmtComplete, err = q.db.Prepare(`
		UPDATE events SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}

	q.stmtFail, err = q.db.Prepare(`
		UPDATE events SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')
	`)
	if err != nil {
		return fmt.Errorf("fail event: %w", err)
	}

	q.stmtGet, err = q.db.Prepare(`
		SELECT ` + eventColumns + ` FROM events WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}

	return nil
}

// Add persists one pending event.
func (q *PostgresQueue) Add(ctx context.Context, ev *models.Event) (*models.Event, error) {
	stored := cloneEvent(ev)
	stamp(stored, uuid.NewString(), time.Now())

	if _, err := q.stmtInsert.ExecContext(ctx,
		stored.ID, stored.ThreadID, string(stored.Type), []byte(stored.Payload),
		nullString(stored.ParentEventID), nullString(stored.TraceID),
		stored.Priority, stored.TTLMs, nullTime(stored.ExpiresAt), stored.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	*ev = *cloneEvent(stored)
	return stored, nil
}

// AddBatch persists events in order within one transaction.
func (q *PostgresQueue) AddBatch(ctx context.Context, evs []*models.Event) error {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $10)
		`, ev.ID, ev.ThreadID, string(ev.Type), []byte(ev.Payload),
			nullString(ev.ParentEventID), nullString(ev.TraceID),
			ev.Priority, ev.TTLMs, nullTime(ev.ExpiresAt), ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Claim atomically moves the next pending event of the thread to processing,
// failing the thread's expired pending events on the way. A thread with an
// in-flight event yields nothing.
func (q *PostgresQueue) Claim(ctx context.Context, threadID string) (*models.Event, error) {
	now := time.Now()
	if _, err := q.stmtExpire.ExecContext(ctx, threadID, FailureReasonExpired, now); err != nil {
		return nil, fmt.Errorf("failed to expire stale events: %w", err)
	}

	ev, err := scanEvent(q.stmtClaim.QueryRowContext(ctx, threadID, now))
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// No row claimed: the thread is owned by another worker, drained, or the
	// race was lost mid-claim.
	if inflight, err := q.Processing(ctx, threadID); err != nil {
		return nil, err
	} else if inflight != nil {
		return nil, ErrEmpty
	}
	var pending int
	if err := q.stmtPendingCnt.QueryRowContext(ctx, threadID, now).Scan(&pending); err != nil {
		return nil, fmt.Errorf("failed to count pending events: %w", err)
	}
	if pending > 0 {
		return nil, ErrClaimLost
	}
	return nil, ErrEmpty
}

// Processing returns the in-flight event for a thread, or nil.
func (q *PostgresQueue) Processing(ctx context.Context, threadID string) (*models.Event, error) {
	ev, err := scanEvent(q.stmtProcessing.QueryRowContext(ctx, threadID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// MarkCompleted transitions a processing event to completed.
func (q *PostgresQueue) MarkCompleted(ctx context.Context, id string) error {
	res, err := q.stmtComplete.ExecContext(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed transitions a pending or processing event to failed.
func (q *PostgresQueue) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := q.stmtFail.ExecContext(ctx, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to fail event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Get returns an event by id.
func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.Event, error) {
	return scanEvent(q.stmtGet.QueryRowContext(ctx, id))
}

// ListByThread returns events for a thread, oldest first.
func (q *PostgresQueue) ListByThread(ctx context.Context, threadID string, status models.EventStatus, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE thread_id = $1`
	args := []any{threadID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, limit)

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
func (q *PostgresQueue) FailExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', failure_reason = $1, updated_at = $2
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $2
	`, FailureReasonExpired, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes prepared statements; the handle is left to its owner.
func (q *PostgresQueue) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		q.stmtInsert, q.stmtClaim, q.stmtExpire, q.stmtPendingCnt,
		q.stmtProcessing, q.stmtComplete, q.stmtFail, q.stmtGet,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing queue: %v", errs)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var typ, status string
	var payload []byte
	var parentID, traceID sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&ev.ID, &ev.ThreadID, &typ, &payload, &parentID, &traceID,
		&ev.Priority, &status, &ev.FailureReason, &ev.TTLMs, &expiresAt,
		&ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Type = models.EventType(typ)
	ev.Status = models.EventStatus(status)
	ev.Payload = payload
	ev.ParentEventID = parentID.String
	ev.TraceID = traceID.String
	if expiresAt.Valid {
		ev.ExpiresAt = expiresAt.Time
	}
	return &ev, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
