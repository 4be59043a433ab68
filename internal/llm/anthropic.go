package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicService implements Service on the Anthropic Messages API.
// It is safe for concurrent use.
type AnthropicService struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicService creates the adapter. The API key is required.
func NewAnthropicService(cfg AnthropicConfig) (*AnthropicService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicService{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Chat runs one streaming completion and assembles the final response.
func (s *AnthropicService) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := req.Options.Model
	if model == "" {
		model = s.defaultModel
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Options.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Options.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	resp, err := s.consume(stream, req, model)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// consume drains the SSE stream, emitting normalized events as it goes.
// Anthropic streams tool input as JSON fragments inside content blocks; the
// fragments are accumulated here and the assembled call is emitted on
// content_block_stop, so callers never see partial JSON.
func (s *AnthropicService) consume(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], req *Request, model string) (*Response, error) {
	resp := &Response{Model: model, Provider: "anthropic"}

	var answer strings.Builder
	var currentTool *models.ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				resp.PromptTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{
					ID:       use.ID,
					Function: models.FunctionCall{Name: use.Name},
				}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					answer.WriteString(delta.Text)
					req.emit(StreamEvent{Kind: StreamContent, Token: delta.Text})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Function.Arguments = args
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				req.emit(StreamEvent{Kind: StreamToolCall, ToolCall: currentTool})
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				resp.CompletionTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			resp.Answer = answer.String()
			req.emit(StreamEvent{Kind: StreamDone})
			return resp, nil
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream failed: %w", err)
	}

	// Stream ended without a message_stop.
	resp.Answer = answer.String()
	req.emit(StreamEvent{Kind: StreamDone})
	return resp, nil
}

func anthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System turns travel via params.System, not the message list.
		if msg.Role == RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(orEmptyObject(call.Function.Arguments)), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", call.Function.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Function.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns are both user messages on the wire.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func anthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, param)
	}

	return result, nil
}

func orEmptyObject(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}
