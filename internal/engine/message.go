package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/router"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// metaPersisted marks MESSAGE events whose utterance is already a Message
// row, so pre-process does not persist it twice.
const metaPersisted = "persisted"

// messageProcessor handles MESSAGE events: persist the incoming utterance,
// route it, and run each target agent's turn.
type messageProcessor struct {
	e *Engine
}

func (p *messageProcessor) ShouldProcess(ev *models.Event) bool {
	return ev.Type == models.EventMessage
}

// PreProcess persists the incoming message before any hook or processor sees
// the event, unless the payload is empty or was persisted upstream.
func (p *messageProcessor) PreProcess(ctx context.Context, ev *models.Event) ([]*models.Event, error) {
	payload, err := ev.DecodeMessagePayload()
	if err != nil {
		return nil, err
	}
	if payload.Content == "" || payload.Metadata[metaPersisted] == "true" {
		return nil, nil
	}

	msg := &models.Message{
		ThreadID:     ev.ThreadID,
		SenderID:     payload.SenderID,
		SenderType:   payload.SenderType,
		Content:      payload.Content,
		ToolCalls:    payload.ToolCalls,
		ToolCallID:   payload.ToolCallID,
		SenderUserID: payload.UserID,
	}
	msg = p.e.hooks.messageReceived(ctx, msg)

	if _, err := p.e.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	return nil, nil
}

func (p *messageProcessor) Process(ctx context.Context, ev *models.Event) ([]*models.Event, error) {
	payload, err := ev.DecodeMessagePayload()
	if err != nil {
		return nil, err
	}

	thread, err := p.e.store.GetThreadByID(ctx, ev.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	targets := p.e.router.Route(payload, thread, p.e.agents.ByName())
	if len(targets) == 0 {
		return nil, nil
	}

	// Serial fan-out; concurrent targets would break per-thread ordering.
	var produced []*models.Event
	for _, target := range targets {
		events, err := p.runAgentTurn(ctx, ev, thread, payload, target)
		if err != nil {
			return nil, err
		}
		produced = append(produced, events...)
	}
	return produced, nil
}

func (p *messageProcessor) runAgentTurn(ctx context.Context, ev *models.Event, thread *models.Thread, payload *models.MessagePayload, target *models.AgentConfig) ([]*models.Event, error) {
	ctx = observability.WithAgent(ctx, target.Name)

	history, err := p.e.store.GetMessageHistory(ctx, ev.ThreadID, target.Name, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if target.IsProgrammatic() {
		return p.runProgrammatic(ctx, ev, thread, payload, target, history)
	}
	return p.runAgentic(ctx, ev, thread, target, history)
}

func (p *messageProcessor) runProgrammatic(ctx context.Context, ev *models.Event, thread *models.Thread, payload *models.MessagePayload, target *models.AgentConfig, history []*models.Message) ([]*models.Event, error) {
	out, err := target.Processing(ctx, models.ProcessingInput{
		Message: &models.Message{
			ThreadID:   ev.ThreadID,
			SenderID:   payload.SenderID,
			SenderType: payload.SenderType,
			Content:    payload.Content,
			ToolCalls:  payload.ToolCalls,
			ToolCallID: payload.ToolCallID,
		},
		Thread:  thread,
		History: history,
	})
	if err != nil {
		return nil, fmt.Errorf("programmatic agent %s failed: %w", target.Name, err)
	}
	if out == nil {
		return nil, nil
	}

	emitMessage := out.ShouldContinue || mentionsIn(out.Content)
	return p.emitAgentOutput(ctx, ev, target, out.Content, out.ToolCalls, emitMessage)
}

func (p *messageProcessor) runAgentic(ctx context.Context, ev *models.Event, thread *models.Thread, target *models.AgentConfig, history []*models.Message) ([]*models.Event, error) {
	if p.e.llm == nil {
		return nil, fmt.Errorf("no LLM service configured for agent %s", target.Name)
	}

	req := &llm.Request{
		System:   p.e.prompts.Build(target, thread, p.e.agents, p.e.task),
		Messages: chatHistory(history, target.Name),
		Tools:    toolSpecs(p.e.tools.Select(target.AllowedTools)),
		Options:  target.LLMOptions,
		Stream:   p.streamFan(ev, target.Name),
	}

	resp, chatErr := p.e.llm.Chat(ctx, req)

	completed := &LLMCompleted{AgentName: target.Name, Err: chatErr}
	if resp != nil {
		completed.Answer = resp.Answer
		completed.ToolCalls = resp.ToolCalls
		completed.Model = resp.Model
		completed.Provider = resp.Provider
		completed.PromptTokens = resp.PromptTokens
		completed.CompletionTokens = resp.CompletionTokens
	}
	completed = p.e.hooks.llmCompleted(ctx, completed)

	if completed.Err != nil {
		// LLM failures do not fail the event; the thread proceeds on the
		// next user input.
		if p.e.logger != nil {
			p.e.logger.Error(ctx, "llm call failed", "agent", target.Name, "error", completed.Err)
		}
		return nil, nil
	}

	answer := stripSelfPrefix(completed.Answer, target.Name)
	emitMessage := answer != "" || len(completed.ToolCalls) > 0
	return p.emitAgentOutput(ctx, ev, target, answer, completed.ToolCalls, emitMessage)
}

// emitAgentOutput persists the agent's utterance and converts it into the
// follow-up events: one TOOL_CALL per requested call, then one MESSAGE to
// re-drive routing. The MESSAGE travels with empty content for pure
// tool-use turns so routing can no-op cleanly.
func (p *messageProcessor) emitAgentOutput(ctx context.Context, ev *models.Event, target *models.AgentConfig, answer string, calls []models.ToolCall, emitMessage bool) ([]*models.Event, error) {
	calls = synthesizeCallIDs(calls)

	if answer != "" {
		msg := &models.Message{
			ThreadID:   ev.ThreadID,
			SenderID:   target.Name,
			SenderType: models.SenderAgent,
			Content:    answer,
			ToolCalls:  calls,
		}
		msg = p.e.hooks.messageSent(ctx, msg)
		answer = msg.Content
		if _, err := p.e.store.CreateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to persist agent message: %w", err)
		}
	}

	var produced []*models.Event
	for _, call := range calls {
		produced = append(produced, models.NewToolCallEvent(ev.ThreadID, models.ToolCallPayload{
			AgentName: target.Name,
			Call:      call,
		}))
	}

	if emitMessage {
		produced = append(produced, models.NewMessageEvent(ev.ThreadID, models.MessagePayload{
			SenderID:   target.Name,
			SenderType: models.SenderAgent,
			Content:    answer,
			ToolCalls:  calls,
			Metadata:   map[string]string{metaPersisted: "true"},
		}))
	}
	return produced, nil
}

// streamFan forwards normalized LLM stream events to the stream hooks.
// Token and content streams both carry answer tokens; tool-call streams
// carry assembled calls. Every stream ends with a Complete chunk.
func (p *messageProcessor) streamFan(ev *models.Event, agent string) llm.StreamFunc {
	h := p.e.hooks
	if h.OnTokenStream == nil && h.OnContentStream == nil && h.OnToolCallStream == nil {
		return nil
	}
	base := StreamChunk{ThreadID: ev.ThreadID, EventID: ev.ID, Agent: agent}
	return func(sev llm.StreamEvent) {
		switch sev.Kind {
		case llm.StreamContent:
			chunk := base
			chunk.Token = sev.Token
			h.emitToken(chunk)
			h.emitContent(chunk)
		case llm.StreamToolCall:
			chunk := base
			chunk.ToolCall = sev.ToolCall
			h.emitToolCall(chunk)
		case llm.StreamDone:
			done := base
			done.Complete = true
			h.emitToken(done)
			h.emitContent(done)
			h.emitToolCall(done)
		}
	}
}

// chatHistory converts persisted history into provider-neutral chat turns
// from the perspective of one agent. The agent's own messages become
// assistant turns with their tool calls reattached; its tool results become
// tool turns; everyone else's messages are labeled with the sender's name.
func chatHistory(history []*models.Message, agentName string) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.SenderType == models.SenderAgent && msg.SenderID == agentName:
			out = append(out, llm.ChatMessage{
				Role:      llm.RoleAssistant,
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
		case msg.SenderType == models.SenderTool && msg.SenderID == agentName && msg.ToolCallID != "":
			out = append(out, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case msg.SenderType == models.SenderTool:
			out = append(out, llm.ChatMessage{
				Role:    llm.RoleUser,
				Content: "[Tool Result]: " + msg.Content,
			})
		default:
			out = append(out, llm.ChatMessage{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("[%s]: %s", msg.SenderID, msg.Content),
			})
		}
	}
	return out
}

// stripSelfPrefix removes an accidental self-address the model sometimes
// prepends to its own answer.
func stripSelfPrefix(answer, agentName string) string {
	trimmed := strings.TrimSpace(answer)
	for _, prefix := range []string{"[" + agentName + "]:", "@" + agentName + ":"} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return trimmed
}

// synthesizeCallIDs fills in ids for calls the provider left anonymous.
func synthesizeCallIDs(calls []models.ToolCall) []models.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("%s_%d", calls[i].Function.Name, i)
		}
	}
	return calls
}

// mentionsIn reports whether content addresses anyone.
func mentionsIn(content string) bool {
	return len(router.ParseMentions(content)) > 0
}

func toolSpecs(available []tools.Tool) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, len(available))
	for i, t := range available {
		specs[i] = llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		}
	}
	return specs
}
