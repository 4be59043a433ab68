package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
)

// MemoryQueue keeps events in memory. Used in tests and ephemeral sessions.
type MemoryQueue struct {
	mu     sync.Mutex
	events map[string]*models.Event
	order  []string
	// seq breaks created_at ties deterministically without relying on
	// wall-clock resolution.
	seq map[string]int
	n   int
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		events: make(map[string]*models.Event),
		seq:    make(map[string]int),
	}
}

// Add persists one pending event.
func (q *MemoryQueue) Add(ctx context.Context, ev *models.Event) (*models.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(ev), nil
}

// AddBatch persists events in order.
func (q *MemoryQueue) AddBatch(ctx context.Context, evs []*models.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range evs {
		q.addLocked(ev)
	}
	return nil
}

func (q *MemoryQueue) addLocked(ev *models.Event) *models.Event {
	stored := cloneEvent(ev)
	stamp(stored, uuid.NewString(), time.Now())
	q.events[stored.ID] = stored
	q.order = append(q.order, stored.ID)
	q.n++
	q.seq[stored.ID] = q.n
	*ev = *cloneEvent(stored)
	return stored
}

// Claim atomically moves the next pending event of the thread to processing.
// A thread with an in-flight event yields nothing, regardless of its backlog.
func (q *MemoryQueue) Claim(ctx context.Context, threadID string) (*models.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		ev := q.events[id]
		if ev.ThreadID == threadID && ev.Status == models.EventProcessing {
			return nil, ErrEmpty
		}
	}

	now := time.Now()
	next := q.nextPendingLocked(threadID, now)
	if next == nil {
		return nil, ErrEmpty
	}
	next.Status = models.EventProcessing
	next.UpdatedAt = now
	return cloneEvent(next), nil
}

// nextPendingLocked returns the oldest live pending event subject to
// (priority desc, createdAt asc, seq asc), failing expired ones on the way.
func (q *MemoryQueue) nextPendingLocked(threadID string, now time.Time) *models.Event {
	var candidates []*models.Event
	for _, id := range q.order {
		ev := q.events[id]
		if ev.ThreadID != threadID || ev.Status != models.EventPending {
			continue
		}
		if ev.Expired(now) {
			ev.Status = models.EventFailed
			ev.FailureReason = FailureReasonExpired
			ev.UpdatedAt = now
			continue
		}
		candidates = append(candidates, ev)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return q.seq[a.ID] < q.seq[b.ID]
	})
	return candidates[0]
}

// Processing returns the in-flight event for a thread, or nil.
func (q *MemoryQueue) Processing(ctx context.Context, threadID string) (*models.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		ev := q.events[id]
		if ev.ThreadID == threadID && ev.Status == models.EventProcessing {
			return cloneEvent(ev), nil
		}
	}
	return nil, nil
}

// MarkCompleted transitions a processing event to completed.
func (q *MemoryQueue) MarkCompleted(ctx context.Context, id string) error {
	return q.transition(id, models.EventCompleted, "", models.EventProcessing)
}

// MarkFailed transitions a pending or processing event to failed.
func (q *MemoryQueue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.transition(id, models.EventFailed, reason, models.EventProcessing, models.EventPending)
}

func (q *MemoryQueue) transition(id string, to models.EventStatus, reason string, from ...models.EventStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.events[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if ev.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrClaimLost
	}
	ev.Status = to
	ev.FailureReason = reason
	ev.UpdatedAt = time.Now()
	return nil
}

// Get returns an event by id.
func (q *MemoryQueue) Get(ctx context.Context, id string) (*models.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

// ListByThread returns events for a thread, oldest first.
func (q *MemoryQueue) ListByThread(ctx context.Context, threadID string, status models.EventStatus, limit int) ([]*models.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Event
	for _, id := range q.order {
		ev := q.events[id]
		if ev.ThreadID != threadID {
			continue
		}
		if status != "" && ev.Status != status {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FailExpired marks expired pending events failed.
func (q *MemoryQueue) FailExpired(ctx context.Context, now time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var swept int64
	for _, ev := range q.events {
		if ev.Status == models.EventPending && ev.Expired(now) {
			ev.Status = models.EventFailed
			ev.FailureReason = FailureReasonExpired
			ev.UpdatedAt = now
			swept++
		}
	}
	return swept, nil
}

// Close is a no-op for the in-memory queue.
func (q *MemoryQueue) Close() error { return nil }

func cloneEvent(ev *models.Event) *models.Event {
	if ev == nil {
		return nil
	}
	clone := *ev
	clone.Payload = append([]byte(nil), ev.Payload...)
	return &clone
}
