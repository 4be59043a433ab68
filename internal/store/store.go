package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Cache TTLs. Thread and history reads tolerate a few seconds of staleness;
// catalog-style lookups (users) tolerate more.
const (
	TTLShort = 5 * time.Second
	TTLLong  = 30 * time.Second
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrThreadArchived is returned on writes against an archived thread.
	ErrThreadArchived = errors.New("store: thread archived")
)

// ThreadSpec carries the creation-time attributes of a thread. Fields are
// applied only when FindOrCreateThread actually creates the row.
type ThreadSpec struct {
	ExternalID     string
	Name           string
	Participants   []string
	ParentThreadID string
}

// Store owns persistence for threads, messages, tool logs, and users. One
// instance owns the DB handle and the read caches; there is no package-level
// state. All implementations must be safe for concurrent use.
type Store interface {
	// FindOrCreateThread is idempotent on id. ExternalID is set only on
	// creation; an existing thread is returned as-is.
	FindOrCreateThread(ctx context.Context, id string, spec ThreadSpec) (*models.Thread, error)

	// GetThreadByID returns the thread regardless of status so the worker
	// can observe archival. Returns ErrNotFound when absent.
	GetThreadByID(ctx context.Context, id string) (*models.Thread, error)

	// GetThreadByExternalID returns the active thread with the given
	// external id. Archived threads are invisible here.
	GetThreadByExternalID(ctx context.Context, externalID string) (*models.Thread, error)

	// ArchiveThread marks a thread archived with a summary. Idempotent.
	ArchiveThread(ctx context.Context, id, summary string) error

	// ReopenThread makes an archived thread active again and clears its
	// summary. Idempotent. Returns ErrNotFound when absent.
	ReopenThread(ctx context.Context, id string) error

	// CreateMessage persists a message, assigning ID and CreatedAt when
	// unset, and invalidates cached histories for its thread.
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error)

	// GetMessageHistory returns messages of the thread and its ancestor
	// chain, up to limit, sorted by (createdAt asc, threadLevel desc) so
	// parents precede children at equal timestamps. Ancestor threads are
	// included only when forSenderID is one of their participants.
	GetMessageHistory(ctx context.Context, threadID, forSenderID string, limit int) ([]*models.Message, error)

	// CreateToolLogs appends entries to the tool audit log atomically.
	CreateToolLogs(ctx context.Context, entries []*models.ToolLogEntry) error

	// ListToolLogs returns the newest entries for a thread.
	ListToolLogs(ctx context.Context, threadID string, limit int) ([]*models.ToolLogEntry, error)

	// UpsertUser inserts or updates a user, matching by id, then external
	// id, then email.
	UpsertUser(ctx context.Context, u *models.User) (*models.User, error)

	// GetUser returns a user by id. Returns ErrNotFound when absent.
	GetUser(ctx context.Context, id string) (*models.User, error)

	Close() error
}

// historyKey builds the cache key for a history query.
func historyKey(threadID, forSenderID string, limit int) string {
	return "history:" + threadID + ":" + forSenderID + ":" + strconv.Itoa(limit)
}

func threadKey(id string) string     { return "thread:" + id }
func userKey(id string) string       { return "user:" + id }
func historyPrefix(id string) string { return "history:" + id + ":" }
