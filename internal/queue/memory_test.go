package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func TestClaimOrderFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		ev := models.NewMessageEvent("t1", models.MessagePayload{SenderID: "user", SenderType: models.SenderUser, Content: content})
		if _, err := q.Add(ctx, ev); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		ev, err := q.Claim(ctx, "t1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		p, err := ev.DecodeMessagePayload()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Content != want {
			t.Fatalf("claim order: got %q, want %q", p.Content, want)
		}
		if err := q.MarkCompleted(ctx, ev.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	if _, err := q.Claim(ctx, "t1"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestClaimPriorityBeatsAge(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	old := models.NewMessageEvent("t1", models.MessagePayload{Content: "old"})
	if _, err := q.Add(ctx, old); err != nil {
		t.Fatalf("add: %v", err)
	}
	urgent := models.NewMessageEvent("t1", models.MessagePayload{Content: "urgent"})
	urgent.Priority = 5
	if _, err := q.Add(ctx, urgent); err != nil {
		t.Fatalf("add: %v", err)
	}

	ev, err := q.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	p, _ := ev.DecodeMessagePayload()
	if p.Content != "urgent" {
		t.Fatalf("priority not honored: got %q", p.Content)
	}
}

func TestSingleProcessingPerThread(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if _, err := q.Add(ctx, models.NewMessageEvent("t1", models.MessagePayload{Content: "a"})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Add(ctx, models.NewMessageEvent("t1", models.MessagePayload{Content: "b"})); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, err := q.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	inflight, err := q.Processing(ctx, "t1")
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if inflight == nil || inflight.ID != first.ID {
		t.Fatalf("expected %s in flight, got %+v", first.ID, inflight)
	}

	// A second claim while one event is in flight yields nothing, even with
	// a pending backlog.
	if _, err := q.Claim(ctx, "t1"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty with an in-flight event, got %v", err)
	}

	if err := q.MarkCompleted(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := q.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim after completion: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("claimed the completed event again")
	}
}

func TestTerminalStatesAreMonotonic(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	ev := models.NewMessageEvent("t1", models.MessagePayload{Content: "a"})
	if _, err := q.Add(ctx, ev); err != nil {
		t.Fatalf("add: %v", err)
	}
	claimed, err := q.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkCompleted(ctx, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := q.MarkFailed(ctx, claimed.ID, "late failure"); err == nil {
		t.Fatal("completed event must not transition to failed")
	}
	got, err := q.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.EventCompleted {
		t.Fatalf("status changed after terminal: %s", got.Status)
	}
}

func TestExpiredPendingSkippedAndFailed(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	expired := models.NewMessageEvent("t1", models.MessagePayload{Content: "stale"})
	expired.TTLMs = 1
	expired.CreatedAt = time.Now().Add(-time.Minute)
	if _, err := q.Add(ctx, expired); err != nil {
		t.Fatalf("add: %v", err)
	}
	fresh := models.NewMessageEvent("t1", models.MessagePayload{Content: "fresh"})
	if _, err := q.Add(ctx, fresh); err != nil {
		t.Fatalf("add: %v", err)
	}

	claimed, err := q.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	p, _ := claimed.DecodeMessagePayload()
	if p.Content != "fresh" {
		t.Fatalf("expired event surfaced: %q", p.Content)
	}

	got, err := q.Get(ctx, expired.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.EventFailed || got.FailureReason != FailureReasonExpired {
		t.Fatalf("expired event not failed: %+v", got)
	}
}

func TestFailExpiredSweep(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := models.NewMessageEvent("t1", models.MessagePayload{Content: "stale"})
		ev.TTLMs = 1
		ev.CreatedAt = time.Now().Add(-time.Hour)
		if _, err := q.Add(ctx, ev); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := q.Add(ctx, models.NewMessageEvent("t1", models.MessagePayload{Content: "live"})); err != nil {
		t.Fatalf("add: %v", err)
	}

	swept, err := q.FailExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 swept, got %d", swept)
	}

	pending, err := q.ListByThread(ctx, "t1", models.EventPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 live pending event, got %d", len(pending))
	}
}

func TestThreadsAreIndependent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if _, err := q.Add(ctx, models.NewMessageEvent("t1", models.MessagePayload{Content: "a"})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Add(ctx, models.NewMessageEvent("t2", models.MessagePayload{Content: "b"})); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := q.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim t1: %v", err)
	}
	// A processing event on t1 must not block t2.
	if _, err := q.Claim(ctx, "t2"); err != nil {
		t.Fatalf("claim t2: %v", err)
	}
}
