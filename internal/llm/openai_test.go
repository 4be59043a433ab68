package llm

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

func TestOpenAIMessagesInjectsSystem(t *testing.T) {
	got := openaiMessages([]ChatMessage{
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Hi there"},
	}, "You are helpful")

	if len(got) != 3 {
		t.Fatalf("message count = %d, want 3", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "You are helpful" {
		t.Fatalf("system message not first: %+v", got[0])
	}
}

func TestOpenAIMessagesToolCallRoundTrip(t *testing.T) {
	got := openaiMessages([]ChatMessage{
		{
			Role: RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Function: models.FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
			},
		},
		{Role: RoleTool, Content: "Sunny, 20C", ToolCallID: "call_1"},
	}, "")

	if len(got) != 2 {
		t.Fatalf("message count = %d, want 2", len(got))
	}
	if len(got[0].ToolCalls) != 1 || got[0].ToolCalls[0].Function.Name != "get_weather" {
		t.Fatalf("assistant tool call not converted: %+v", got[0])
	}
	if got[1].Role != openai.ChatMessageRoleTool || got[1].ToolCallID != "call_1" {
		t.Fatalf("tool result not linked: %+v", got[1])
	}
}

func TestOpenAIMessagesEmptyArgumentsBecomeObject(t *testing.T) {
	got := openaiMessages([]ChatMessage{
		{
			Role:      RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c", Function: models.FunctionCall{Name: "noop"}}},
		},
	}, "")

	if got[0].ToolCalls[0].Function.Arguments != "{}" {
		t.Fatalf("empty arguments = %q, want {}", got[0].ToolCalls[0].Function.Arguments)
	}
}

func TestOpenAIToolsBadSchemaDegrades(t *testing.T) {
	got := openaiTools([]ToolSpec{
		{Name: "good", Description: "works", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", InputSchema: json.RawMessage(`not json`)},
	})

	if len(got) != 2 {
		t.Fatalf("tool count = %d, want 2", len(got))
	}
	if got[0].Function.Name != "good" || got[0].Type != openai.ToolTypeFunction {
		t.Fatalf("good tool mangled: %+v", got[0])
	}
	params, ok := got[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("bad schema should degrade to empty object schema: %+v", got[1].Function.Parameters)
	}
}

func TestAnthropicMessagesSkipSystemAndEmpty(t *testing.T) {
	got, err := anthropicMessages([]ChatMessage{
		{Role: RoleSystem, Content: "handled separately"},
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: ""},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("message count = %d, want 1", len(got))
	}
}

func TestAnthropicMessagesRejectBadToolArguments(t *testing.T) {
	_, err := anthropicMessages([]ChatMessage{
		{
			Role:      RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c", Function: models.FunctionCall{Name: "t", Arguments: "not json"}}},
		},
	})
	if err == nil {
		t.Fatal("expected error for invalid tool call arguments")
	}
}
