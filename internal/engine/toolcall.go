package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// toolCallProcessor handles TOOL_CALL events: validate the call against the
// tool's schema, execute under the tool's timeout, log the outcome, and emit
// a TOOL_RESULT back into the queue.
type toolCallProcessor struct {
	e *Engine
}

func (p *toolCallProcessor) ShouldProcess(ev *models.Event) bool {
	return ev.Type == models.EventToolCall
}

func (p *toolCallProcessor) PreProcess(context.Context, *models.Event) ([]*models.Event, error) {
	return nil, nil
}

func (p *toolCallProcessor) Process(ctx context.Context, ev *models.Event) ([]*models.Event, error) {
	payload, err := ev.DecodeToolCallPayload()
	if err != nil {
		return nil, err
	}

	agent := p.e.agents.Get(payload.AgentName)
	if agent == nil {
		// The agent left the catalog between enqueue and execution.
		return nil, nil
	}
	ctx = observability.WithAgent(ctx, agent.Name)

	call := payload.Call
	toolName := call.Function.Name

	calling := p.e.hooks.toolCalling(ctx, &ToolCalling{
		AgentName: agent.Name,
		ToolName:  toolName,
		CallID:    call.ID,
		Arguments: call.Function.Arguments,
	})
	arguments := calling.Arguments

	output, execErr := p.execute(ctx, agent, toolName, arguments)

	status := models.ToolLogSuccess
	errMsg := ""
	logOutput := ""
	if execErr != nil {
		status = models.ToolLogError
		errMsg = execErr.Error()
	} else {
		logOutput = string(output)
	}
	// The raw argument string is logged even when it failed to parse, so
	// the audit trail shows exactly what the model sent.
	logEntry := &models.ToolLogEntry{
		ThreadID:     ev.ThreadID,
		ToolName:     toolName,
		ToolInput:    arguments,
		ToolOutput:   logOutput,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if err := p.e.store.CreateToolLogs(ctx, []*models.ToolLogEntry{logEntry}); err != nil {
		return nil, fmt.Errorf("failed to write tool log: %w", err)
	}

	result := models.ToolResultPayload{
		AgentName: agent.Name,
		CallID:    call.ID,
	}
	if execErr != nil {
		result.Error = execErr.Error()
	} else {
		result.Output = output
	}
	return []*models.Event{models.NewToolResultEvent(ev.ThreadID, result)}, nil
}

// execute runs one tool call and returns its output as JSON. Validation
// failures, permission denials, and execution errors all come back as plain
// errors; the caller folds them into the TOOL_RESULT and the tool log.
func (p *toolCallProcessor) execute(ctx context.Context, agent *models.AgentConfig, toolName, arguments string) (json.RawMessage, error) {
	if !agent.ToolAllowed(toolName) {
		return nil, fmt.Errorf("tool %s is not available to agent %s", toolName, agent.Name)
	}
	if _, ok := p.e.tools.Get(toolName); !ok {
		return nil, fmt.Errorf("unknown tool %s", toolName)
	}

	res, err := p.e.tools.Execute(ctx, toolName, []byte(arguments))
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("%s", res.Content)
	}

	// Preserve structured outputs; wrap plain text as a JSON string.
	if json.Valid([]byte(res.Content)) {
		return json.RawMessage(res.Content), nil
	}
	encoded, err := json.Marshal(res.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return encoded, nil
}
