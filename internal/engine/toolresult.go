package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// toolResultProcessor handles TOOL_RESULT events: persist the result as a
// tool message and fan it back to the originating agent via a MESSAGE event.
type toolResultProcessor struct {
	e *Engine
}

func (p *toolResultProcessor) ShouldProcess(ev *models.Event) bool {
	return ev.Type == models.EventToolResult
}

func (p *toolResultProcessor) PreProcess(context.Context, *models.Event) ([]*models.Event, error) {
	return nil, nil
}

func (p *toolResultProcessor) Process(ctx context.Context, ev *models.Event) ([]*models.Event, error) {
	payload, err := ev.DecodeToolResultPayload()
	if err != nil {
		return nil, err
	}

	content := formatToolResult(payload)

	msg := &models.Message{
		ThreadID:   ev.ThreadID,
		SenderID:   payload.AgentName,
		SenderType: models.SenderTool,
		Content:    content,
		ToolCallID: payload.CallID,
	}
	if _, err := p.e.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist tool message: %w", err)
	}

	completed := p.e.hooks.toolCompleted(ctx, &ToolCompleted{
		AgentName: payload.AgentName,
		CallID:    payload.CallID,
		Content:   content,
		IsError:   payload.Error != "",
	})
	if completed.Suppress {
		// The caller answered the agent programmatically; re-driving it
		// with the tool result as well would run the turn twice.
		return nil, nil
	}

	return []*models.Event{models.NewMessageEvent(ev.ThreadID, models.MessagePayload{
		SenderID:   payload.AgentName,
		SenderType: models.SenderTool,
		Content:    content,
		ToolCallID: payload.CallID,
		Metadata:   map[string]string{metaPersisted: "true"},
	})}, nil
}

// formatToolResult renders a TOOL_RESULT payload as the message content the
// agent reads on its next turn.
func formatToolResult(p *models.ToolResultPayload) string {
	if p.Error != "" {
		return "tool error: " + p.Error + "\n\nPlease review the error above and try again with the correct format."
	}
	if len(p.Output) == 0 {
		return "tool completed: No output returned"
	}

	var asString string
	if err := json.Unmarshal(p.Output, &asString); err == nil {
		if asString == "" {
			return "tool completed: No output returned"
		}
		return "tool output: " + asString
	}
	return "tool output: " + string(p.Output)
}
