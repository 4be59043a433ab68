package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// OpenAIService implements Service on the OpenAI chat completions API.
// It is safe for concurrent use.
type OpenAIService struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// NewOpenAIService creates the adapter. The API key is required.
func NewOpenAIService(cfg OpenAIConfig) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	var client *openai.Client
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	return &OpenAIService{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Chat runs one streaming completion and assembles the final response.
func (s *OpenAIService) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := req.Options.Model
	if model == "" {
		model = s.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Options.MaxTokens > 0 {
		chatReq.MaxTokens = req.Options.MaxTokens
	} else if s.maxTokens > 0 {
		chatReq.MaxTokens = s.maxTokens
	}
	if req.Options.Temperature > 0 {
		chatReq.Temperature = float32(req.Options.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create stream: %w", err)
	}
	defer stream.Close()

	return s.consume(stream, req, model)
}

// consume drains the stream, accumulating tool call fragments by index.
// OpenAI streams each tool call across many chunks (id and name first,
// then argument fragments); calls are emitted once fully assembled.
func (s *OpenAIService) consume(stream *openai.ChatCompletionStream, req *Request, model string) (*Response, error) {
	resp := &Response{Model: model, Provider: "openai"}

	var answer strings.Builder
	pending := make(map[int]*models.ToolCall)

	flush := func() {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			if call.ID == "" || call.Function.Name == "" {
				continue
			}
			call.Function.Arguments = orEmptyObject(call.Function.Arguments)
			resp.ToolCalls = append(resp.ToolCalls, *call)
			req.emit(StreamEvent{Kind: StreamToolCall, ToolCall: call})
		}
		pending = make(map[int]*models.ToolCall)
	}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				resp.Answer = answer.String()
				req.emit(StreamEvent{Kind: StreamDone})
				return resp, nil
			}
			return nil, fmt.Errorf("openai: stream failed: %w", err)
		}

		if chunk.Usage != nil {
			resp.PromptTokens = chunk.Usage.PromptTokens
			resp.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			answer.WriteString(choice.Delta.Content)
			req.emit(StreamEvent{Kind: StreamContent, Token: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Function.Arguments += tc.Function.Arguments
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func openaiMessages(messages []ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Function.Name,
						Arguments: orEmptyObject(call.Function.Arguments),
					},
				})
			}
			result = append(result, out)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	return result
}

func openaiTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			// One bad schema must not break the whole tool set.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
