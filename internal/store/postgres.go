package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/parleyhq/parley/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	cache *ttlCache

	// Prepared statements for the hot paths
	stmtInsertThread  *sql.Stmt
	stmtGetThread     *sql.Stmt
	stmtGetByExternal *sql.Stmt
	stmtArchiveThread *sql.Stmt
	stmtInsertMessage *sql.Stmt
	stmtThreadMsgs    *sql.Stmt
	stmtListToolLogs  *sql.Stmt
	stmtGetUser       *sql.Stmt
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewPostgresStore opens a connection pool, verifies it, ensures the schema,
// and prepares statements.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db, cache: newTTLCache()}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing handle. Used by tests with sqlmock
// and by callers sharing a pool with the queue.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, cache: newTTLCache()}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// DB exposes the underlying handle so the queue can share the pool.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			external_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			participants JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			summary TEXT NOT NULL DEFAULT '',
			parent_thread_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_external_active
			ON threads(external_id) WHERE status = 'active' AND external_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			sender_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT,
			sender_user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_logs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL DEFAULT '',
			tool_output TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_logs_thread ON tool_logs(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT,
			email TEXT,
			name TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtInsertThread, err = s.db.Prepare(`
		INSERT INTO threads (id, external_id, name, participants, status, parent_thread_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	s.stmtGetThread, err = s.db.Prepare(`
		SELECT id, external_id, name, participants, status, summary, parent_thread_id, created_at, updated_at
		FROM threads WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get thread: %w", err)
	}

	s.stmtGetByExternal, err = s.db.Prepare(`
		SELECT id, external_id, name, participants, status, summary, parent_thread_id, created_at, updated_at
		FROM threads WHERE external_id = $1 AND status = 'active'
	`)
	if err != nil {
		return fmt.Errorf("get thread by external id: %w", err)
	}

	s.stmtArchiveThread, err = s.db.Prepare(`
		UPDATE threads SET status = 'archived', summary = $2, updated_at = $3 WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}

	s.stmtInsertMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, thread_id, sender_id, sender_type, content, tool_calls, tool_call_id, sender_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	s.stmtThreadMsgs, err = s.db.Prepare(`
		SELECT id, thread_id, sender_id, sender_type, content, tool_calls, tool_call_id, sender_user_id, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("thread messages: %w", err)
	}

	s.stmtListToolLogs, err = s.db.Prepare(`
		SELECT id, thread_id, tool_name, tool_input, tool_output, status, error_message, created_at
		FROM tool_logs WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("list tool logs: %w", err)
	}

	s.stmtGetUser, err = s.db.Prepare(`
		SELECT id, external_id, email, name, metadata, created_at, updated_at
		FROM users WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	return nil
}

// FindOrCreateThread is idempotent on id; spec fields apply only on creation.
func (s *PostgresStore) FindOrCreateThread(ctx context.Context, id string, spec ThreadSpec) (*models.Thread, error) {
	participants, err := json.Marshal(spec.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	now := time.Now()
	if _, err := s.stmtInsertThread.ExecContext(ctx,
		id, nullString(spec.ExternalID), spec.Name, participants,
		nullString(spec.ParentThreadID), now,
	); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	s.cache.delete(threadKey(id))
	return s.GetThreadByID(ctx, id)
}

// GetThreadByID returns the thread regardless of status.
func (s *PostgresStore) GetThreadByID(ctx context.Context, id string) (*models.Thread, error) {
	if cached, ok := s.cache.get(threadKey(id)); ok {
		return cloneThread(cached.(*models.Thread)), nil
	}
	th, err := scanThread(s.stmtGetThread.QueryRowContext(ctx, id))
	if err != nil {
		return nil, err
	}
	s.cache.set(threadKey(id), cloneThread(th), TTLShort)
	return th, nil
}

// GetThreadByExternalID returns the active thread with the given external id.
func (s *PostgresStore) GetThreadByExternalID(ctx context.Context, externalID string) (*models.Thread, error) {
	return scanThread(s.stmtGetByExternal.QueryRowContext(ctx, externalID))
}

// ArchiveThread marks a thread archived. Idempotent.
func (s *PostgresStore) ArchiveThread(ctx context.Context, id, summary string) error {
	res, err := s.stmtArchiveThread.ExecContext(ctx, id, summary, time.Now())
	if err != nil {
		return fmt.Errorf("failed to archive thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.cache.delete(threadKey(id))
	return nil
}

// ReopenThread makes an archived thread active again. Idempotent. Reopening
// is rare enough that it does not get a prepared statement.
func (s *PostgresStore) ReopenThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status = 'active', summary = '', updated_at = $2 WHERE id = $1
	`, id, time.Now())
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
func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
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
		toolCalls = raw
	}

	if _, err := s.stmtInsertMessage.ExecContext(ctx,
		stored.ID, stored.ThreadID, stored.SenderID, string(stored.SenderType),
		stored.Content, toolCalls, nullString(stored.ToolCallID),
		nullString(stored.SenderUserID), stored.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	s.cache.deletePrefix(historyPrefix(stored.ThreadID))
	return stored, nil
}

// GetMessageHistory walks the ancestor chain and merges messages.
func (s *PostgresStore) GetMessageHistory(ctx context.Context, threadID, forSenderID string, limit int) ([]*models.Message, error) {
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
			msgs, err := s.threadMessages(ctx, id, level)
			if err != nil {
				return nil, err
			}
			merged = append(merged, msgs...)
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

func (s *PostgresStore) threadMessages(ctx context.Context, threadID string, level int) ([]*models.Message, error) {
	rows, err := s.stmtThreadMsgs.QueryContext(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		m.ThreadLevel = level
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateToolLogs appends entries atomically in one transaction.
func (s *PostgresStore) CreateToolLogs(ctx context.Context, entries []*models.ToolLogEntry) error {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, e.ThreadID, e.ToolName, e.ToolInput, e.ToolOutput,
			string(e.Status), e.ErrorMessage, createdAt,
		); err != nil {
			return fmt.Errorf("failed to insert tool log: %w", err)
		}
	}
	return tx.Commit()
}

// ListToolLogs returns the newest entries for a thread.
func (s *PostgresStore) ListToolLogs(ctx context.Context, threadID string, limit int) ([]*models.ToolLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListToolLogs.QueryContext(ctx, threadID, limit)
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
func (s *PostgresStore) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	existingID, err := s.resolveUserID(ctx, u)
	if err != nil {
		return nil, err
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
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`, stored.ID, nullString(stored.ExternalID), nullString(stored.Email),
			stored.Name, metadata, now); err != nil {
			return nil, fmt.Errorf("failed to insert user: %w", err)
		}
	} else {
		stored.ID = existingID
		stored.UpdatedAt = now
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET external_id = COALESCE($2, external_id),
				email = COALESCE($3, email),
				name = CASE WHEN $4 <> '' THEN $4 ELSE name END,
				metadata = COALESCE($5, metadata),
				updated_at = $6
			WHERE id = $1
		`, existingID, nullString(stored.ExternalID), nullString(stored.Email),
			stored.Name, metadata, now); err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
	}

	s.cache.delete(userKey(stored.ID))
	return stored, nil
}

func (s *PostgresStore) resolveUserID(ctx context.Context, u *models.User) (string, error) {
	lookups := []struct {
		query string
		arg   string
	}{
		{`SELECT id FROM users WHERE id = $1`, u.ID},
		{`SELECT id FROM users WHERE external_id = $1`, u.ExternalID},
		{`SELECT id FROM users WHERE email = $1`, u.Email},
	}
	for _, lookup := range lookups {
		if lookup.arg == "" {
			continue
		}
		var id string
		err := s.db.QueryRowContext(ctx, lookup.query, lookup.arg).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to resolve user: %w", err)
		}
	}
	return "", nil
}

// GetUser returns a user by id, read through the long-TTL cache.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if cached, ok := s.cache.get(userKey(id)); ok {
		return cloneUser(cached.(*models.User)), nil
	}

	var u models.User
	var externalID, email sql.NullString
	var metadata []byte
	err := s.stmtGetUser.QueryRowContext(ctx, id).Scan(
		&u.ID, &externalID, &email, &u.Name, &metadata, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.ExternalID = externalID.String
	u.Email = email.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	s.cache.set(userKey(id), cloneUser(&u), TTLLong)
	return &u, nil
}

// Close closes prepared statements and the pool.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtInsertThread, s.stmtGetThread, s.stmtGetByExternal,
		s.stmtArchiveThread, s.stmtInsertMessage, s.stmtThreadMsgs,
		s.stmtListToolLogs, s.stmtGetUser,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var th models.Thread
	var externalID, parentID sql.NullString
	var participants []byte
	var status string
	err := row.Scan(&th.ID, &externalID, &th.Name, &participants, &status,
		&th.Summary, &parentID, &th.CreatedAt, &th.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	th.ExternalID = externalID.String
	th.ParentThreadID = parentID.String
	th.Status = models.ThreadStatus(status)
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &th.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
		}
	}
	return &th, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var senderType string
	var toolCalls []byte
	var toolCallID, senderUserID sql.NullString
	err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &senderType, &m.Content,
		&toolCalls, &toolCallID, &senderUserID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.SenderType = models.SenderType(senderType)
	m.ToolCallID = toolCallID.String
	m.SenderUserID = senderUserID.String
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
