package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store on SQLite for local CLI runs. A single writer
// connection keeps the pure-Go driver out of SQLITE_BUSY territory.
type SQLiteStore struct {
	db    *sql.DB
	cache *ttlCache
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, cache: newTTLCache()}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the queue can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			external_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			participants TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			summary TEXT NOT NULL DEFAULT '',
			parent_thread_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT,
			sender_user_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_logs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL DEFAULT '',
			tool_output TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_logs_thread ON tool_logs(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT,
			email TEXT,
			name TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// FindOrCreateThread is idempotent on id; spec fields apply only on creation.
func (s *SQLiteStore) FindOrCreateThread(ctx context.Context, id string, spec ThreadSpec) (*models.Thread, error) {
	participants, err := json.Marshal(spec.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, external_id, name, participants, status, parent_thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, nullString(spec.ExternalID), spec.Name, string(participants),
		nullString(spec.ParentThreadID), now, now); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	s.cache.delete(threadKey(id))
	return s.GetThreadByID(ctx, id)
}

// GetThreadByID returns the thread regardless of status.
func (s *SQLiteStore) GetThreadByID(ctx context.Context, id string) (*models.Thread, error) {
	if cached, ok := s.cache.get(threadKey(id)); ok {
		return cloneThread(cached.(*models.Thread)), nil
	}
	th, err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, participants, status, summary, parent_thread_id, created_at, updated_at
		FROM threads WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	s.cache.set(threadKey(id), cloneThread(th), TTLShort)
	return th, nil
}

// GetThreadByExternalID returns the active thread with the given external id.
func (s *SQLiteStore) GetThreadByExternalID(ctx context.Context, externalID string) (*models.Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, participants, status, summary, parent_thread_id, created_at, updated_at
		FROM threads WHERE external_id = ? AND status = 'active'
	`, externalID))
}

// ArchiveThread marks a thread archived. Idempotent.
func (s *SQLiteStore) ArchiveThread(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status = 'archived', summary = ?, updated_at = ? WHERE id = ?
	`, summary, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to archive thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.cache.delete(threadKey(id))
	return nil
}

// ReopenThread makes an archived thread active again. Idempotent.
func (s *SQLiteStore) ReopenThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status = 'active', summary = '', updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to reopen thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.cache.delete(threadKey(id))
	return nil
}

// CreateMessage persists a message and invalidates cached histories.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	th, err := s.GetThreadByID(ctx, m.ThreadID)
	if err != nil {
		return nil, err
	}
	if th.IsArchived() {
		return nil, ErrThreadArchived
	}

	stored := cloneMessage(m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	var toolCalls any
	if len(stored.ToolCalls) > 0 {
		raw, err := json.Marshal(stored.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, sender_type, content, tool_calls, tool_call_id, sender_user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ThreadID, stored.SenderID, string(stored.SenderType),
		stored.Content, toolCalls, nullString(stored.ToolCallID),
		nullString(stored.SenderUserID), stored.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	s.cache.deletePrefix(historyPrefix(stored.ThreadID))
	return stored, nil
}

// GetMessageHistory walks the ancestor chain and merges messages.
func (s *SQLiteStore) GetMessageHistory(ctx context.Context, threadID, forSenderID string, limit int) ([]*models.Message, error) {
	key := historyKey(threadID, forSenderID, limit)
	if cached, ok := s.cache.get(key); ok {
		msgs := cached.([]*models.Message)
		out := make([]*models.Message, len(msgs))
		for i, m := range msgs {
			out[i] = cloneMessage(m)
		}
		return out, nil
	}

	var merged []*models.Message
	level := 0
	seen := map[string]bool{}
	for id := threadID; id != "" && !seen[id]; {
		seen[id] = true
		th, err := s.GetThreadByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if level == 0 || forSenderID == "" || th.HasParticipant(forSenderID) {
			rows, err := s.db.QueryContext(ctx, `
				SELECT id, thread_id, sender_id, sender_type, content, tool_calls, tool_call_id, sender_user_id, created_at
				FROM messages WHERE thread_id = ?
				ORDER BY created_at ASC, id ASC
			`, id)
			if err != nil {
				return nil, fmt.Errorf("failed to query messages: %w", err)
			}
			for rows.Next() {
				m, err := scanMessage(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				m.ThreadLevel = level
				merged = append(merged, m)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
		id = th.ParentThreadID
		level++
	}

	sortHistory(merged)
	merged = tailLimit(merged, limit)

	cachedCopy := make([]*models.Message, len(merged))
	for i, m := range merged {
		cachedCopy[i] = cloneMessage(m)
	}
	s.cache.set(key, cachedCopy, TTLShort)
	return merged, nil
}

// CreateToolLogs appends entries atomically in one transaction.
func (s *SQLiteStore) CreateToolLogs(ctx context.Context, entries []*models.ToolLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_logs (id, thread_id, tool_name, tool_input, tool_output, status, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, e.ThreadID, e.ToolName, e.ToolInput, e.ToolOutput,
			string(e.Status), e.ErrorMessage, createdAt); err != nil {
			return fmt.Errorf("failed to insert tool log: %w", err)
		}
	}
	return tx.Commit()
}

// ListToolLogs returns the newest entries for a thread.
func (s *SQLiteStore) ListToolLogs(ctx context.Context, threadID string, limit int) ([]*models.ToolLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, tool_name, tool_input, tool_output, status, error_message, created_at
		FROM tool_logs WHERE thread_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ToolLogEntry
	for rows.Next() {
		var e models.ToolLogEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.ToolName, &e.ToolInput,
			&e.ToolOutput, &status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool log: %w", err)
		}
		e.Status = models.ToolLogStatus(status)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// UpsertUser matches by id, then external id, then email.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var existingID string
	for _, lookup := range []struct {
		query string
		arg   string
	}{
		{`SELECT id FROM users WHERE id = ?`, u.ID},
		{`SELECT id FROM users WHERE external_id = ?`, u.ExternalID},
		{`SELECT id FROM users WHERE email = ?`, u.Email},
	} {
		if lookup.arg == "" {
			continue
		}
		err := s.db.QueryRowContext(ctx, lookup.query, lookup.arg).Scan(&existingID)
		if err == nil {
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to resolve user: %w", err)
		}
	}

	now := time.Now()
	stored := cloneUser(u)
	if existingID == "" {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, external_id, email, name, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, stored.ID, nullString(stored.ExternalID), nullString(stored.Email),
			stored.Name, string(metadata), now, now); err != nil {
			return nil, fmt.Errorf("failed to insert user: %w", err)
		}
	} else {
		stored.ID = existingID
		stored.UpdatedAt = now
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET
				external_id = COALESCE(?, external_id),
				email = COALESCE(?, email),
				name = CASE WHEN ? <> '' THEN ? ELSE name END,
				metadata = ?,
				updated_at = ?
			WHERE id = ?
		`, nullString(stored.ExternalID), nullString(stored.Email),
			stored.Name, stored.Name, string(metadata), now, existingID); err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
	}

	s.cache.delete(userKey(stored.ID))
	return stored, nil
}

// GetUser returns a user by id, read through the long-TTL cache.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if cached, ok := s.cache.get(userKey(id)); ok {
		return cloneUser(cached.(*models.User)), nil
	}

	var u models.User
	var externalID, email sql.NullString
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, metadata, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &externalID, &email, &u.Name, &metadata, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.ExternalID = externalID.String
	u.Email = email.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &u.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	s.cache.set(userKey(id), cloneUser(&u), TTLLong)
	return &u, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
