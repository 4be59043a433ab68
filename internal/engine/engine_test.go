package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// scriptedLLM returns canned responses per agent, in call order.
type scriptedLLM struct {
	responses map[string][]*llm.Response
	calls     []*llm.Request
}

func (s *scriptedLLM) Chat(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls = append(s.calls, req)

	agent := agentOf(req)
	pending := s.responses[agent]
	if len(pending) == 0 {
		return &llm.Response{Answer: "", Model: "test", Provider: "test"}, nil
	}
	resp := pending[0]
	s.responses[agent] = pending[1:]
	return resp, nil
}

// agentOf recovers the target agent from the system prompt's identity line.
func agentOf(req *llm.Request) string {
	for _, line := range strings.Split(req.System, "\n") {
		rest, ok := strings.CutPrefix(line, "You are ")
		if !ok || !strings.HasSuffix(rest, ".") {
			continue
		}
		name := strings.TrimSuffix(rest, ".")
		if !strings.Contains(name, " ") {
			return name
		}
	}
	return ""
}

type fixture struct {
	engine *Engine
	store  store.Store
	queue  queue.Queue
	llm    *scriptedLLM
}

func newFixture(t *testing.T, agents []*models.AgentConfig, hooks Hooks, reg *tools.Registry) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	scripted := &scriptedLLM{responses: make(map[string][]*llm.Response)}

	eng, err := New(Options{
		Config: config.EngineConfig{MaxStepsPerRun: 64, EventTimeout: 5 * time.Second},
		Store:  st,
		Queue:  q,
		Agents: agents,
		Tools:  reg,
		LLM:    scripted,
		Hooks:  hooks,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &fixture{engine: eng, store: st, queue: q, llm: scripted}
}

func (f *fixture) run(t *testing.T, content string, participants []string) *CreateThreadResult {
	t.Helper()
	res, err := f.engine.CreateThread(context.Background(), CreateThreadRequest{
		Content:      content,
		Participants: participants,
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return res
}

func (f *fixture) history(t *testing.T, threadID, forSender string) []*models.Message {
	t.Helper()
	msgs, err := f.store.GetMessageHistory(context.Background(), threadID, forSender, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return msgs
}

func (f *fixture) events(t *testing.T, threadID string) []*models.Event {
	t.Helper()
	evs, err := f.queue.ListByThread(context.Background(), threadID, "", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func TestNoAgentsFailsFast(t *testing.T) {
	_, err := New(Options{
		Store: store.NewMemoryStore(),
		Queue: queue.NewMemoryQueue(),
	})
	if !errors.Is(err, catalog.ErrNoAgents) {
		t.Fatalf("expected ErrNoAgents, got %v", err)
	}
}

func TestMentionRoutingWithAllowedAgentsFilter(t *testing.T) {
	// S1: the user's mention reaches Albert; Albert's reply mentions Robin,
	// whom his allowed-agents set permits. Charlie never runs.
	f := newFixture(t, []*models.AgentConfig{
		{Name: "Albert", AllowedAgents: []string{"Robin"}},
		{Name: "Robin", AllowedAgents: []string{"Albert"}},
		{Name: "Charlie"},
	}, Hooks{}, nil)
	f.llm.responses["Albert"] = []*llm.Response{{Answer: "Sure. @Robin @Charlie, what do you think?"}}
	f.llm.responses["Robin"] = []*llm.Response{{Answer: "I think it works."}}

	res := f.run(t, "Hello @Albert, please consult your colleagues.", []string{"user", "Albert", "Robin", "Charlie"})

	msgs := f.history(t, res.ThreadID, "user")
	var senders []string
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	want := []string{"user", "Albert", "Robin"}
	if len(senders) != len(want) {
		t.Fatalf("senders = %v, want %v", senders, want)
	}
	for i := range want {
		if senders[i] != want[i] {
			t.Fatalf("senders = %v, want %v", senders, want)
		}
	}

	for _, call := range f.llm.calls {
		if agentOf(call) == "Charlie" {
			t.Fatal("Charlie should never be invoked")
		}
	}
}

func TestTwoPartyFallback(t *testing.T) {
	// S2: no mentions, two participants -> the lone agent answers.
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}}, Hooks{}, nil)
	f.llm.responses["Agent1"] = []*llm.Response{{Answer: "Here to help."}}

	res := f.run(t, "no mentions here", []string{"user", "Agent1"})

	msgs := f.history(t, res.ThreadID, "user")
	if len(msgs) != 2 || msgs[1].SenderID != "Agent1" {
		t.Fatalf("fallback did not run Agent1: %+v", msgs)
	}
}

func TestNoFallbackWithThreeParticipants(t *testing.T) {
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}, {Name: "Agent2"}}, Hooks{}, nil)

	res := f.run(t, "no mentions here", []string{"user", "Agent1", "Agent2"})

	if len(f.llm.calls) != 0 {
		t.Fatalf("no agent should run, got %d LLM calls", len(f.llm.calls))
	}
	msgs := f.history(t, res.ThreadID, "user")
	if len(msgs) != 1 {
		t.Fatalf("only the user message should persist, got %d", len(msgs))
	}
}

func TestToolCallAndReturn(t *testing.T) {
	// S3: Dev lists the workspace; the tool result routes back to Dev.
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	reg := tools.NewRegistry(config.ToolsConfig{DefaultTimeout: 5 * time.Second}, nil, nil, nil)
	for _, tool := range tools.FileTools(root) {
		reg.Register(tool)
	}

	f := newFixture(t, []*models.AgentConfig{
		{Name: "Dev", AllowedTools: []string{"list_directory"}},
	}, Hooks{}, reg)
	f.llm.responses["Dev"] = []*llm.Response{
		{ToolCalls: []models.ToolCall{{
			ID:       "call_1",
			Function: models.FunctionCall{Name: "list_directory", Arguments: `{"path":"."}`},
		}}},
		{Answer: "The workspace contains notes.txt."},
	}

	res := f.run(t, "Please list the workspace.", []string{"user", "Dev"})

	msgs := f.history(t, res.ThreadID, "user")
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.SenderType == models.SenderTool {
			toolMsg = m
		}
	}
	if toolMsg == nil {
		t.Fatalf("no tool message persisted: %+v", msgs)
	}
	if toolMsg.ToolCallID != "call_1" || toolMsg.SenderID != "Dev" {
		t.Fatalf("tool message linkage: %+v", toolMsg)
	}
	if !strings.HasPrefix(toolMsg.Content, "tool output:") {
		t.Fatalf("tool message content = %q", toolMsg.Content)
	}

	last := msgs[len(msgs)-1]
	if last.SenderID != "Dev" || last.Content != "The workspace contains notes.txt." {
		t.Fatalf("Dev did not incorporate the result: %+v", last)
	}

	logs, err := f.store.ListToolLogs(context.Background(), res.ThreadID, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("tool logs: %v %d", err, len(logs))
	}
	if logs[0].Status != models.ToolLogSuccess || logs[0].ToolName != "list_directory" {
		t.Fatalf("tool log = %+v", logs[0])
	}
}

func TestProgrammaticAgent(t *testing.T) {
	// S4: Calculator answers without an LLM call.
	f := newFixture(t, []*models.AgentConfig{
		{
			Name:      "Calculator",
			AgentType: models.AgentProgrammatic,
			Processing: func(_ context.Context, in models.ProcessingInput) (*models.ProcessingOutput, error) {
				return &models.ProcessingOutput{Content: "The answer is: 42", ShouldContinue: true}, nil
			},
		},
	}, Hooks{}, nil)

	res := f.run(t, "@Calculator what is 15 + 27?", []string{"user", "Calculator"})

	msgs := f.history(t, res.ThreadID, "user")
	if len(msgs) != 2 {
		t.Fatalf("message count = %d: %+v", len(msgs), msgs)
	}
	if msgs[1].SenderID != "Calculator" || msgs[1].Content != "The answer is: 42" {
		t.Fatalf("programmatic answer = %+v", msgs[1])
	}
	if len(f.llm.calls) != 0 {
		t.Fatalf("programmatic agent must not call the LLM, got %d calls", len(f.llm.calls))
	}

	// ShouldContinue re-drives routing with the agent's utterance.
	var followUp bool
	for _, ev := range f.events(t, res.ThreadID) {
		if ev.Type != models.EventMessage {
			continue
		}
		p, err := ev.DecodeMessagePayload()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.SenderID == "Calculator" {
			followUp = true
		}
	}
	if !followUp {
		t.Fatal("no follow-up MESSAGE event from Calculator")
	}
}

func TestInterceptionOverridesAnswer(t *testing.T) {
	// S5: OnLLMCompleted replaces the answer; OnIntercepted observes it.
	var intercepted []Interception
	hooks := Hooks{
		OnLLMCompleted: func(_ context.Context, c *LLMCompleted) *LLMCompleted {
			out := *c
			out.Answer = "intercepted answer"
			return &out
		},
		OnIntercepted: func(_ context.Context, i Interception) {
			intercepted = append(intercepted, i)
		},
	}
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}}, hooks, nil)
	f.llm.responses["Agent1"] = []*llm.Response{{Answer: "original answer"}}

	res := f.run(t, "hello", []string{"user", "Agent1"})

	msgs := f.history(t, res.ThreadID, "user")
	if msgs[len(msgs)-1].Content != "intercepted answer" {
		t.Fatalf("persisted content = %q", msgs[len(msgs)-1].Content)
	}
	if len(intercepted) == 0 || intercepted[0].Callback != "onLLMCompleted" {
		t.Fatalf("interceptions = %+v", intercepted)
	}
}

func TestActiveTaskInSystemPrompt(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	scripted := &scriptedLLM{responses: map[string][]*llm.Response{
		"Agent1": {{Answer: "on it"}},
	}}

	eng, err := New(Options{
		Config: config.EngineConfig{MaxStepsPerRun: 16},
		Store:  st,
		Queue:  q,
		Agents: []*models.AgentConfig{{Name: "Agent1"}},
		LLM:    scripted,
		ActiveTask: &models.Task{
			ID:     "task-1",
			Name:   "Ship the release",
			Goal:   "Cut v1.0",
			Status: "in_progress",
		},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	if _, err := eng.CreateThread(context.Background(), CreateThreadRequest{
		Content:      "where do we stand?",
		Participants: []string{"user", "Agent1"},
	}); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if len(scripted.calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(scripted.calls))
	}
	sys := scripted.calls[0].System
	for _, want := range []string{"Active task: Ship the release", "Goal: Cut v1.0", "Status: in_progress"} {
		if !strings.Contains(sys, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, sys)
		}
	}
}

func TestInterceptionReportsAllOverrides(t *testing.T) {
	reg := tools.NewRegistry(config.ToolsConfig{DefaultTimeout: 5 * time.Second}, nil, nil, nil)
	reg.Register(&failingTool{})

	var callbacks []string
	hooks := Hooks{
		OnMessageReceived: func(_ context.Context, m *models.Message) *models.Message {
			out := *m
			return &out
		},
		OnMessageSent: func(_ context.Context, m *models.Message) *models.Message {
			out := *m
			return &out
		},
		OnToolCalling: func(_ context.Context, c *ToolCalling) *ToolCalling {
			out := *c
			return &out
		},
		OnToolCompleted: func(_ context.Context, c *ToolCompleted) *ToolCompleted {
			out := *c
			return &out
		},
		OnIntercepted: func(_ context.Context, i Interception) {
			callbacks = append(callbacks, i.Callback)
		},
	}

	f := newFixture(t, []*models.AgentConfig{{Name: "Dev"}}, hooks, reg)
	f.llm.responses["Dev"] = []*llm.Response{
		{Answer: "Running it.", ToolCalls: []models.ToolCall{{
			ID:       "c1",
			Function: models.FunctionCall{Name: "flaky", Arguments: `{}`},
		}}},
		{Answer: "done"},
	}

	f.run(t, "go ahead", []string{"user", "Dev"})

	seen := make(map[string]bool, len(callbacks))
	for _, cb := range callbacks {
		seen[cb] = true
	}
	for _, want := range []string{"onMessageReceived", "onMessageSent", "onToolCalling", "onToolCompleted"} {
		if !seen[want] {
			t.Fatalf("no interception for %s, saw %v", want, callbacks)
		}
	}
}

func TestToolFailureIsolation(t *testing.T) {
	// S6: a failing tool produces an error tool log and a "tool error:"
	// message, and the thread stays usable.
	reg := tools.NewRegistry(config.ToolsConfig{DefaultTimeout: 5 * time.Second}, nil, nil, nil)
	reg.Register(&failingTool{})

	f := newFixture(t, []*models.AgentConfig{{Name: "Dev"}}, Hooks{}, reg)
	f.llm.responses["Dev"] = []*llm.Response{
		{ToolCalls: []models.ToolCall{{
			ID:       "call_9",
			Function: models.FunctionCall{Name: "flaky", Arguments: `{}`},
		}}},
		{Answer: "I will try something else."},
	}

	res := f.run(t, "try the flaky tool", []string{"user", "Dev"})

	logs, err := f.store.ListToolLogs(context.Background(), res.ThreadID, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("tool logs: %v %d", err, len(logs))
	}
	if logs[0].Status != models.ToolLogError {
		t.Fatalf("tool log status = %s", logs[0].Status)
	}

	var toolMsg *models.Message
	for _, m := range f.history(t, res.ThreadID, "user") {
		if m.SenderType == models.SenderTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || !strings.HasPrefix(toolMsg.Content, "tool error:") {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "try again with the correct format") {
		t.Fatalf("error guidance missing: %q", toolMsg.Content)
	}
}

type failingTool struct{}

func (*failingTool) Name() string        { return "flaky" }
func (*failingTool) Description() string { return "always fails" }
func (*failingTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (*failingTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return tools.Errorf("backend unavailable"), nil
}

func TestEmptyAnswerWithToolCallsStillEmitsMessage(t *testing.T) {
	reg := tools.NewRegistry(config.ToolsConfig{DefaultTimeout: 5 * time.Second}, nil, nil, nil)
	reg.Register(&failingTool{})

	f := newFixture(t, []*models.AgentConfig{{Name: "Dev"}}, Hooks{}, reg)
	f.llm.responses["Dev"] = []*llm.Response{
		{ToolCalls: []models.ToolCall{{Function: models.FunctionCall{Name: "flaky", Arguments: `{}`}}}},
		{Answer: "done"},
	}

	res := f.run(t, "go", []string{"user", "Dev"})

	var emptyAgentRows int
	var emptyMessageEvents int
	for _, m := range f.history(t, res.ThreadID, "user") {
		if m.SenderType == models.SenderAgent && m.Content == "" {
			emptyAgentRows++
		}
	}
	for _, ev := range f.events(t, res.ThreadID) {
		if ev.Type != models.EventMessage {
			continue
		}
		p, _ := ev.DecodeMessagePayload()
		if p.SenderID == "Dev" && p.SenderType == models.SenderAgent && p.Content == "" {
			emptyMessageEvents++
		}
	}
	if emptyAgentRows != 0 {
		t.Fatalf("empty agent message rows persisted: %d", emptyAgentRows)
	}
	if emptyMessageEvents != 1 {
		t.Fatalf("empty MESSAGE events = %d, want 1", emptyMessageEvents)
	}

	// Synthesized call id links the tool message.
	var toolMsg *models.Message
	for _, m := range f.history(t, res.ThreadID, "user") {
		if m.SenderType == models.SenderTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "flaky_0" {
		t.Fatalf("synthesized call id = %+v", toolMsg)
	}
}

func TestOnEventOverrideAndDrop(t *testing.T) {
	var dropped int
	hooks := Hooks{
		OnEvent: func(_ context.Context, ev *models.Event) *EventDecision {
			if ev.Type == models.EventMessage {
				dropped++
				return &EventDecision{Drop: true}
			}
			return nil
		},
	}
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}}, hooks, nil)

	res := f.run(t, "hello", []string{"user", "Agent1"})

	if dropped == 0 {
		t.Fatal("OnEvent never fired")
	}
	if len(f.llm.calls) != 0 {
		t.Fatal("dropped event still reached the LLM")
	}
	// Pre-process ran: the incoming message persisted before the drop.
	msgs := f.history(t, res.ThreadID, "user")
	if len(msgs) != 1 || msgs[0].SenderID != "user" {
		t.Fatalf("pre-process did not persist: %+v", msgs)
	}
}

func TestEventsCompleteInOrderAndTerminal(t *testing.T) {
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}}, Hooks{}, nil)
	f.llm.responses["Agent1"] = []*llm.Response{{Answer: "first reply"}}

	res := f.run(t, "hello", []string{"user", "Agent1"})

	evs := f.events(t, res.ThreadID)
	if len(evs) < 2 {
		t.Fatalf("event count = %d", len(evs))
	}
	for _, ev := range evs {
		if !ev.Terminal() {
			t.Fatalf("non-terminal event after quiescence: %+v", ev)
		}
		if ev.Status != models.EventCompleted {
			t.Fatalf("event %s status = %s", ev.ID, ev.Status)
		}
	}
}

func TestArchivedThreadLeavesEventsPending(t *testing.T) {
	f := newFixture(t, []*models.AgentConfig{{Name: "Agent1"}}, Hooks{}, nil)
	f.llm.responses["Agent1"] = []*llm.Response{{Answer: "back in business"}}
	ctx := context.Background()

	thread, err := f.store.FindOrCreateThread(ctx, "t-archived", store.ThreadSpec{
		Participants: []string{"user", "Agent1"},
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if err := f.store.ArchiveThread(ctx, thread.ID, "done"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	ev := models.NewMessageEvent(thread.ID, models.MessagePayload{
		SenderID: "user", SenderType: models.SenderUser, Content: "hello?",
	})
	if _, err := f.queue.Add(ctx, ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// An archived thread is quiescent: nothing moves past pending.
	if err := f.engine.RunThread(ctx, thread.ID); err != nil {
		t.Fatalf("run on archived thread: %v", err)
	}
	got, err := f.queue.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != models.EventPending {
		t.Fatalf("event status = %s, want pending", got.Status)
	}
	if got.FailureReason != "" {
		t.Fatalf("failure reason = %q, want empty", got.FailureReason)
	}

	// Reopening releases the backlog.
	if err := f.store.ReopenThread(ctx, thread.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := f.engine.RunThread(ctx, thread.ID); err != nil {
		t.Fatalf("run after reopen: %v", err)
	}
	got, err = f.queue.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != models.EventCompleted {
		t.Fatalf("event status after reopen = %s, want completed", got.Status)
	}
	msgs := f.history(t, thread.ID, "user")
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "back in business" {
		t.Fatalf("agent did not answer after reopen: %+v", msgs)
	}
}

func TestSelfPrefixStripping(t *testing.T) {
	f := newFixture(t, []*models.AgentConfig{{Name: "Echo"}}, Hooks{}, nil)
	f.llm.responses["Echo"] = []*llm.Response{{Answer: "[Echo]: I repeat things."}}

	res := f.run(t, "@Echo say something", []string{"user", "Echo"})

	msgs := f.history(t, res.ThreadID, "user")
	got := msgs[len(msgs)-1].Content
	if strings.HasPrefix(got, "[Echo]:") || strings.HasPrefix(got, "@Echo:") {
		t.Fatalf("self prefix survived: %q", got)
	}
	if got != "I repeat things." {
		t.Fatalf("stripped answer = %q", got)
	}
}

func TestStreamFanOut(t *testing.T) {
	var tokens, contents []string
	var tokenComplete, contentComplete bool
	hooks := Hooks{
		OnTokenStream: func(c StreamChunk) {
			if c.Complete {
				tokenComplete = true
				return
			}
			tokens = append(tokens, c.Token)
		},
		OnContentStream: func(c StreamChunk) {
			if c.Complete {
				contentComplete = true
				return
			}
			contents = append(contents, c.Token)
		},
	}

	streaming := &streamingLLM{answer: "str eamed"}
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	eng, err := New(Options{
		Config: config.EngineConfig{MaxStepsPerRun: 16},
		Store:  st,
		Queue:  q,
		Agents: []*models.AgentConfig{{Name: "Agent1"}},
		LLM:    streaming,
		Hooks:  hooks,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	if _, err := eng.CreateThread(context.Background(), CreateThreadRequest{
		Content:      "hi",
		Participants: []string{"user", "Agent1"},
	}); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if strings.Join(tokens, "") != "str eamed" {
		t.Fatalf("tokens = %v", tokens)
	}
	if strings.Join(contents, "") != "str eamed" {
		t.Fatalf("contents = %v", contents)
	}
	if !tokenComplete || !contentComplete {
		t.Fatal("streams did not complete")
	}
}

// streamingLLM emits its answer as two tokens through the stream callback.
type streamingLLM struct {
	answer string
}

func (s *streamingLLM) Chat(_ context.Context, req *llm.Request) (*llm.Response, error) {
	half := len(s.answer) / 2
	req.Stream(llm.StreamEvent{Kind: llm.StreamContent, Token: s.answer[:half]})
	req.Stream(llm.StreamEvent{Kind: llm.StreamContent, Token: s.answer[half:]})
	req.Stream(llm.StreamEvent{Kind: llm.StreamDone})
	return &llm.Response{Answer: s.answer}, nil
}

func TestLLMFailureHaltsQuietly(t *testing.T) {
	failing := &erroringLLM{err: fmt.Errorf("provider down")}
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	eng, err := New(Options{
		Config: config.EngineConfig{MaxStepsPerRun: 16},
		Store:  st,
		Queue:  q,
		Agents: []*models.AgentConfig{{Name: "Agent1"}},
		LLM:    failing,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	res, err := eng.CreateThread(context.Background(), CreateThreadRequest{
		Content:      "hello",
		Participants: []string{"user", "Agent1"},
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	// The MESSAGE event completes; no agent message is persisted.
	evs, err := q.ListByThread(context.Background(), res.ThreadID, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, ev := range evs {
		if ev.Status != models.EventCompleted {
			t.Fatalf("event status = %s", ev.Status)
		}
	}
	msgs, err := st.GetMessageHistory(context.Background(), res.ThreadID, "user", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("LLM failure must not persist agent messages: %+v", msgs)
	}
}

type erroringLLM struct {
	err error
}

func (e *erroringLLM) Chat(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, e.err
}

func TestToolCompletedSuppressesFanOut(t *testing.T) {
	reg := tools.NewRegistry(config.ToolsConfig{DefaultTimeout: 5 * time.Second}, nil, nil, nil)
	reg.Register(&failingTool{})

	hooks := Hooks{
		OnToolCompleted: func(_ context.Context, c *ToolCompleted) *ToolCompleted {
			out := *c
			out.Suppress = true
			return &out
		},
	}
	f := newFixture(t, []*models.AgentConfig{{Name: "Dev"}}, hooks, reg)
	f.llm.responses["Dev"] = []*llm.Response{
		{ToolCalls: []models.ToolCall{{
			ID:       "c1",
			Function: models.FunctionCall{Name: "flaky", Arguments: `{}`},
		}}},
	}

	res := f.run(t, "go", []string{"user", "Dev"})

	// The tool message persisted but Dev was not re-driven.
	var toolMsgs int
	for _, m := range f.history(t, res.ThreadID, "user") {
		if m.SenderType == models.SenderTool {
			toolMsgs++
		}
	}
	if toolMsgs != 1 {
		t.Fatalf("tool messages = %d, want 1", toolMsgs)
	}
	if len(f.llm.calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1 (fan-out suppressed)", len(f.llm.calls))
	}
}
