package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func TestFindOrCreateThreadIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{
		ExternalID:   "ext-1",
		Name:         "support",
		Participants: []string{"user", "Agent1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{ExternalID: "ext-other", Name: "changed"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if second.ExternalID != "ext-1" || second.Name != "support" {
		t.Fatalf("spec applied on existing thread: %+v", second)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same thread, got %s and %s", first.ID, second.ID)
	}
}

func TestArchiveThreadBlocksWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{Participants: []string{"user", "A"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ArchiveThread(ctx, "t1", "done"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	_, err := s.CreateMessage(ctx, &models.Message{ThreadID: "t1", SenderID: "user", SenderType: models.SenderUser, Content: "hi"})
	if !errors.Is(err, ErrThreadArchived) {
		t.Fatalf("expected ErrThreadArchived, got %v", err)
	}

	th, err := s.GetThreadByID(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if th.Summary != "done" || !th.IsArchived() {
		t.Fatalf("archive did not stick: %+v", th)
	}
}

func TestReopenThreadRestoresWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{ExternalID: "ext", Participants: []string{"user", "A"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ArchiveThread(ctx, "t1", "wrapped up"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := s.ReopenThread(ctx, "t1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	th, err := s.GetThreadByExternalID(ctx, "ext")
	if err != nil {
		t.Fatalf("get by external after reopen: %v", err)
	}
	if th.IsArchived() || th.Summary != "" {
		t.Fatalf("reopen did not stick: %+v", th)
	}

	if _, err := s.CreateMessage(ctx, &models.Message{ThreadID: "t1", SenderID: "user", SenderType: models.SenderUser, Content: "back"}); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}

	if err := s.ReopenThread(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetThreadByExternalIDSkipsArchived(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{ExternalID: "ext"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ArchiveThread(ctx, "t1", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.GetThreadByExternalID(ctx, "ext"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("archived thread visible by external id: %v", err)
	}

	if _, err := s.FindOrCreateThread(ctx, "t2", ThreadSpec{ExternalID: "ext"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	th, err := s.GetThreadByExternalID(ctx, "ext")
	if err != nil {
		t.Fatalf("get by external: %v", err)
	}
	if th.ID != "t2" {
		t.Fatalf("expected t2, got %s", th.ID)
	}
}

func TestMessageHistoryAncestorOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "parent", ThreadSpec{Participants: []string{"user", "Albert"}}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.FindOrCreateThread(ctx, "child", ThreadSpec{
		Participants:   []string{"user", "Albert", "Robin"},
		ParentThreadID: "parent",
	}); err != nil {
		t.Fatalf("create child: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	mustCreate := func(threadID, sender, content string, at time.Time) {
		t.Helper()
		if _, err := s.CreateMessage(ctx, &models.Message{
			ThreadID:   threadID,
			SenderID:   sender,
			SenderType: models.SenderUser,
			Content:    content,
			CreatedAt:  at,
		}); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	mustCreate("parent", "user", "p1", base)
	mustCreate("child", "user", "c1", base.Add(time.Minute))
	// Same timestamp in parent and child: parent must come first.
	tie := base.Add(2 * time.Minute)
	mustCreate("parent", "user", "p2", tie)
	mustCreate("child", "user", "c2", tie)

	history, err := s.GetMessageHistory(ctx, "child", "Albert", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	got := make([]string, len(history))
	for i, m := range history {
		got[i] = m.Content
	}
	want := []string{"p1", "c1", "p2", "c2"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("history order = %v, want %v", got, want)
		}
	}

	if history[0].ThreadLevel != 1 {
		t.Fatalf("parent message should have level 1, got %d", history[0].ThreadLevel)
	}
	if history[1].ThreadLevel != 0 {
		t.Fatalf("child message should have level 0, got %d", history[1].ThreadLevel)
	}
}

func TestMessageHistoryParticipantFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "parent", ThreadSpec{Participants: []string{"user", "Albert"}}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.FindOrCreateThread(ctx, "child", ThreadSpec{
		Participants:   []string{"user", "Robin"},
		ParentThreadID: "parent",
	}); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if _, err := s.CreateMessage(ctx, &models.Message{ThreadID: "parent", SenderID: "user", SenderType: models.SenderUser, Content: "secret"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateMessage(ctx, &models.Message{ThreadID: "child", SenderID: "user", SenderType: models.SenderUser, Content: "visible"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Robin is not a participant of the parent thread.
	history, err := s.GetMessageHistory(ctx, "child", "Robin", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "visible" {
		t.Fatalf("parent messages leaked to non-participant: %+v", history)
	}
}

func TestMessageHistoryLimitKeepsNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{Participants: []string{"user", "A"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"m1", "m2", "m3"} {
		if _, err := s.CreateMessage(ctx, &models.Message{
			ThreadID: "t1", SenderID: "user", SenderType: models.SenderUser,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	history, err := s.GetMessageHistory(ctx, "t1", "A", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "m2" || history[1].Content != "m3" {
		t.Fatalf("limit should keep newest: %+v", history)
	}
}

func TestMessageRoundTripPreservesToolCalls(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreateThread(ctx, "t1", ThreadSpec{Participants: []string{"user", "Dev"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	calls := []models.ToolCall{{ID: "call-1", Function: models.FunctionCall{Name: "list_directory", Arguments: `{"path":"."}`}}}
	if _, err := s.CreateMessage(ctx, &models.Message{
		ThreadID: "t1", SenderID: "Dev", SenderType: models.SenderAgent,
		Content: "checking", ToolCalls: calls,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	history, err := s.GetMessageHistory(ctx, "t1", "Dev", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	m := history[0]
	if m.Content != "checking" {
		t.Fatalf("content mismatch: %q", m.Content)
	}
	if len(m.ToolCalls) != 1 || m.ToolCalls[0].Function.Arguments != `{"path":"."}` {
		t.Fatalf("tool calls not intact: %+v", m.ToolCalls)
	}
}

func TestToolLogsAppendAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.CreateToolLogs(ctx, []*models.ToolLogEntry{
		{ThreadID: "t1", ToolName: "list_directory", ToolInput: `{"path":"."}`, Status: models.ToolLogSuccess},
		{ThreadID: "t1", ToolName: "read_file", Status: models.ToolLogError, ErrorMessage: "timeout"},
	})
	if err != nil {
		t.Fatalf("create logs: %v", err)
	}

	logs, err := s.ListToolLogs(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}
	// Newest first.
	if logs[0].ToolName != "read_file" || logs[0].Status != models.ToolLogError {
		t.Fatalf("unexpected first entry: %+v", logs[0])
	}
}

func TestUpsertUserMatching(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.UpsertUser(ctx, &models.User{ExternalID: "ext-1", Email: "a@example.com", Name: "Ada"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	// Match by external id, update name.
	updated, err := s.UpsertUser(ctx, &models.User{ExternalID: "ext-1", Name: "Ada L."})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected match by external id, got new user %s", updated.ID)
	}

	got, err := s.GetUser(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ada L." || got.Email != "a@example.com" {
		t.Fatalf("update lost fields: %+v", got)
	}
}
