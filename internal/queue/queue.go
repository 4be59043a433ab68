// Package queue implements the durable per-thread event queue backing the
// engine. Events move pending -> processing -> {completed | failed}; terminal
// states are never left. Within a thread, events are served in
// (priority desc, created_at asc, id asc) order, and the atomic claim
// guarantees at most one event per thread is ever in flight.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

var (
	// ErrEmpty is returned by Claim when no pending event exists.
	ErrEmpty = errors.New("queue: no pending events")
	// ErrClaimLost is returned when another worker claimed the event first.
	ErrClaimLost = errors.New("queue: claim lost")
	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("queue: event not found")
)

// FailureReasonExpired marks events failed by TTL expiry.
const FailureReasonExpired = "expired"

// Queue is the durable event log. Implementations must be safe for
// concurrent use; the atomic claim is the only coordination primitive the
// engine relies on.
type Queue interface {
	// Add persists one pending event, assigning ID, CreatedAt, and
	// ExpiresAt (from TTLMs) when unset.
	Add(ctx context.Context, ev *models.Event) (*models.Event, error)

	// AddBatch persists events in order. Used to enqueue an event's
	// produced events after it completes.
	AddBatch(ctx context.Context, evs []*models.Event) error

	// Claim atomically moves the next pending event of the thread to
	// processing and returns it. Expired pending events are failed with
	// reason "expired" instead of being served. Returns ErrEmpty when
	// nothing is pending or another worker already holds the thread's
	// in-flight event, ErrClaimLost when a concurrent worker won the race.
	Claim(ctx context.Context, threadID string) (*models.Event, error)

	// Processing returns the in-flight event for a thread, or nil.
	Processing(ctx context.Context, threadID string) (*models.Event, error)

	// MarkCompleted transitions a processing event to completed.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed transitions a pending or processing event to failed.
	MarkFailed(ctx context.Context, id, reason string) error

	// Get returns an event by id.
	Get(ctx context.Context, id string) (*models.Event, error)

	// ListByThread returns events for a thread, oldest first. An empty
	// status matches all statuses.
	ListByThread(ctx context.Context, threadID string, status models.EventStatus, limit int) ([]*models.Event, error)

	// FailExpired marks expired pending events failed with reason
	// "expired" and returns how many it swept.
	FailExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// stamp fills the bookkeeping fields of a new event.
func stamp(ev *models.Event, id string, now time.Time) {
	if ev.ID == "" {
		ev.ID = id
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Status == "" {
		ev.Status = models.EventPending
	}
	if ev.TTLMs > 0 && ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(time.Duration(ev.TTLMs) * time.Millisecond)
	}
}
