package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
)

// MemoryStore keeps all state in memory. Used in tests and for ephemeral CLI
// sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	toolLogs map[string][]*models.ToolLogEntry
	users    map[string]*models.User
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		toolLogs: make(map[string][]*models.ToolLogEntry),
		users:    make(map[string]*models.User),
	}
}

// FindOrCreateThread is idempotent on id; spec fields apply only on creation.
func (s *MemoryStore) FindOrCreateThread(ctx context.Context, id string, spec ThreadSpec) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if th, ok := s.threads[id]; ok {
		return cloneThread(th), nil
	}

	now := time.Now()
	th := &models.Thread{
		ID:             id,
		ExternalID:     spec.ExternalID,
		Name:           spec.Name,
		Participants:   append([]string(nil), spec.Participants...),
		Status:         models.ThreadActive,
		ParentThreadID: spec.ParentThreadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.threads[id] = th
	return cloneThread(th), nil
}

// GetThreadByID returns the thread regardless of status.
func (s *MemoryStore) GetThreadByID(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(th), nil
}

// GetThreadByExternalID returns the active thread with the given external id.
func (s *MemoryStore) GetThreadByExternalID(ctx context.Context, externalID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, th := range s.threads {
		if th.ExternalID == externalID && th.Status == models.ThreadActive {
			return cloneThread(th), nil
		}
	}
	return nil, ErrNotFound
}

// ArchiveThread marks a thread archived. Idempotent.
func (s *MemoryStore) ArchiveThread(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	th.Status = models.ThreadArchived
	th.Summary = summary
	th.UpdatedAt = time.Now()
	return nil
}

// ReopenThread makes an archived thread active again. Idempotent.
func (s *MemoryStore) ReopenThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	th.Status = models.ThreadActive
	th.Summary = ""
	th.UpdatedAt = time.Now()
	return nil
}

// CreateMessage persists a message, assigning ID and CreatedAt when unset.
func (s *MemoryStore) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[m.ThreadID]
	if !ok {
		return nil, ErrNotFound
	}
	if th.Status == models.ThreadArchived {
		return nil, ErrThreadArchived
	}

	stored := cloneMessage(m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], stored)
	return cloneMessage(stored), nil
}

// GetMessageHistory walks the ancestor chain and merges messages per the
// documented ordering.
func (s *MemoryStore) GetMessageHistory(ctx context.Context, threadID, forSenderID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var merged []*models.Message
	level := 0
	seen := map[string]bool{}
	for id := threadID; id != "" && !seen[id]; {
		seen[id] = true
		th, ok := s.threads[id]
		if !ok {
			break
		}
		// Ancestors contribute only when the reader participates in them.
		if level == 0 || forSenderID == "" || th.HasParticipant(forSenderID) {
			for _, m := range s.messages[id] {
				clone := cloneMessage(m)
				clone.ThreadLevel = level
				merged = append(merged, clone)
			}
		}
		id = th.ParentThreadID
		level++
	}

	sortHistory(merged)
	return tailLimit(merged, limit), nil
}

// CreateToolLogs appends entries to the audit log.
func (s *MemoryStore) CreateToolLogs(ctx context.Context, entries []*models.ToolLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		stored := *e
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		s.toolLogs[e.ThreadID] = append(s.toolLogs[e.ThreadID], &stored)
	}
	return nil
}

// ListToolLogs returns the newest entries for a thread, newest first.
func (s *MemoryStore) ListToolLogs(ctx context.Context, threadID string, limit int) ([]*models.ToolLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.toolLogs[threadID]
	result := make([]*models.ToolLogEntry, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		entry := *logs[i]
		result = append(result, &entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// UpsertUser matches by id, then external id, then email.
func (s *MemoryStore) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.users[u.ID]
	if existing == nil && u.ExternalID != "" {
		for _, candidate := range s.users {
			if candidate.ExternalID == u.ExternalID {
				existing = candidate
				break
			}
		}
	}
	if existing == nil && u.Email != "" {
		for _, candidate := range s.users {
			if candidate.Email == u.Email {
				existing = candidate
				break
			}
		}
	}

	now := time.Now()
	if existing == nil {
		stored := cloneUser(u)
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.users[stored.ID] = stored
		return cloneUser(stored), nil
	}

	if u.Email != "" {
		existing.Email = u.Email
	}
	if u.Name != "" {
		existing.Name = u.Name
	}
	if u.ExternalID != "" {
		existing.ExternalID = u.ExternalID
	}
	if u.Metadata != nil {
		existing.Metadata = copyMetadata(u.Metadata)
	}
	existing.UpdatedAt = now
	return cloneUser(existing), nil
}

// GetUser returns a user by id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneThread(th *models.Thread) *models.Thread {
	if th == nil {
		return nil
	}
	clone := *th
	clone.Participants = append([]string(nil), th.Participants...)
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	return &clone
}

func cloneUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Metadata = copyMetadata(u.Metadata)
	return &clone
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
