package models

import "time"

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Thread is a conversation scope with a fixed participant set. Messages and
// queue events always belong to exactly one thread. A thread may have a parent,
// forming an ancestor chain used when assembling message history.
type Thread struct {
	ID             string       `json:"id"`
	ExternalID     string       `json:"external_id,omitempty"`
	Name           string       `json:"name,omitempty"`
	Participants   []string     `json:"participants"`
	Status         ThreadStatus `json:"status"`
	Summary        string       `json:"summary,omitempty"`
	ParentThreadID string       `json:"parent_thread_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasParticipant reports whether name is part of the thread.
func (t *Thread) HasParticipant(name string) bool {
	for _, p := range t.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// IsArchived reports whether the thread has been archived. Archived threads
// accept no further events.
func (t *Thread) IsArchived() bool {
	return t.Status == ThreadArchived
}
