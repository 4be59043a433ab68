package engine

import (
	"context"

	"github.com/parleyhq/parley/pkg/models"
)

// EventDecision is the result of the OnEvent hook. Produced replaces the
// default processor's output; Drop skips processing entirely. A nil decision
// means run the default path.
type EventDecision struct {
	Produced []*models.Event
	Drop     bool
}

// LLMCompleted carries the outcome of one LLM call. The OnLLMCompleted hook
// may return a modified copy to replace the answer or tool calls the engine
// acts on.
type LLMCompleted struct {
	AgentName        string
	Answer           string
	ToolCalls        []models.ToolCall
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// ToolCalling describes an imminent tool execution. The hook may return a
// modified copy to rewrite the arguments before validation.
type ToolCalling struct {
	AgentName string
	ToolName  string
	CallID    string
	Arguments string
}

// ToolCompleted describes a finished tool execution, seen after the tool
// message is persisted. Setting Suppress on the returned copy skips the
// fan-out MESSAGE event, for callers that answer the agent programmatically.
type ToolCompleted struct {
	AgentName string
	CallID    string
	Content   string
	IsError   bool
	Suppress  bool
}

// StreamChunk is one streaming update fanned out to the stream hooks.
type StreamChunk struct {
	ThreadID string
	EventID  string
	Agent    string
	Token    string
	ToolCall *models.ToolCall
	Complete bool
}

// Interception reports that a hook replaced a value the engine was about to
// use.
type Interception struct {
	Callback    string
	Original    any
	Intercepted any
}

// Hooks is the optional callback surface. Nil hooks are skipped. Hooks
// returning a non-nil value replace the payload the engine proceeds with;
// stream hooks are fire-and-forget and never override.
type Hooks struct {
	// OnMessageReceived fires before an incoming message is persisted.
	OnMessageReceived func(ctx context.Context, m *models.Message) *models.Message

	// OnMessageSent fires before an agent-authored message is persisted.
	OnMessageSent func(ctx context.Context, m *models.Message) *models.Message

	// OnToolCalling fires before a tool call is validated and executed.
	OnToolCalling func(ctx context.Context, c *ToolCalling) *ToolCalling

	// OnToolCompleted fires after a tool result message is persisted.
	OnToolCompleted func(ctx context.Context, c *ToolCompleted) *ToolCompleted

	// OnLLMCompleted fires after every LLM call, including failures.
	OnLLMCompleted func(ctx context.Context, c *LLMCompleted) *LLMCompleted

	// OnTokenStream receives every raw answer token.
	OnTokenStream func(chunk StreamChunk)

	// OnContentStream receives answer content tokens.
	OnContentStream func(chunk StreamChunk)

	// OnToolCallStream receives assembled tool calls as they stream.
	OnToolCallStream func(chunk StreamChunk)

	// OnIntercepted reports hook overrides.
	OnIntercepted func(ctx context.Context, i Interception)

	// OnEvent can override or drop the default processing of any event.
	OnEvent func(ctx context.Context, ev *models.Event) *EventDecision
}

// intercept reports a hook override. A callback returning the value it was
// handed does not count as an interception.
func (h Hooks) intercept(ctx context.Context, callback string, original, replaced any) {
	if h.OnIntercepted == nil || original == replaced {
		return
	}
	h.OnIntercepted(ctx, Interception{
		Callback:    callback,
		Original:    original,
		Intercepted: replaced,
	})
}

func (h Hooks) messageReceived(ctx context.Context, m *models.Message) *models.Message {
	if h.OnMessageReceived == nil {
		return m
	}
	out := h.OnMessageReceived(ctx, m)
	if out == nil {
		return m
	}
	h.intercept(ctx, "onMessageReceived", m, out)
	return out
}

func (h Hooks) messageSent(ctx context.Context, m *models.Message) *models.Message {
	if h.OnMessageSent == nil {
		return m
	}
	out := h.OnMessageSent(ctx, m)
	if out == nil {
		return m
	}
	h.intercept(ctx, "onMessageSent", m, out)
	return out
}

func (h Hooks) toolCalling(ctx context.Context, c *ToolCalling) *ToolCalling {
	if h.OnToolCalling == nil {
		return c
	}
	out := h.OnToolCalling(ctx, c)
	if out == nil {
		return c
	}
	h.intercept(ctx, "onToolCalling", c, out)
	return out
}

func (h Hooks) toolCompleted(ctx context.Context, c *ToolCompleted) *ToolCompleted {
	if h.OnToolCompleted == nil {
		return c
	}
	out := h.OnToolCompleted(ctx, c)
	if out == nil {
		return c
	}
	h.intercept(ctx, "onToolCompleted", c, out)
	return out
}

func (h Hooks) llmCompleted(ctx context.Context, c *LLMCompleted) *LLMCompleted {
	if h.OnLLMCompleted == nil {
		return c
	}
	out := h.OnLLMCompleted(ctx, c)
	if out == nil {
		return c
	}
	h.intercept(ctx, "onLLMCompleted", c, out)
	return out
}

func (h Hooks) emitToken(chunk StreamChunk) {
	if h.OnTokenStream != nil {
		h.OnTokenStream(chunk)
	}
}

func (h Hooks) emitContent(chunk StreamChunk) {
	if h.OnContentStream != nil {
		h.OnContentStream(chunk)
	}
}

func (h Hooks) emitToolCall(chunk StreamChunk) {
	if h.OnToolCallStream != nil {
		h.OnToolCallStream(chunk)
	}
}
