// Package llm defines the chat service consumed by the message processor and
// the provider adapters that implement it. Adapters own all provider-specific
// stream parsing: callers only ever see normalized stream events (content
// tokens, completed tool calls, end of stream) and a final response whose
// answer text carries no function-call markup.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// ErrNoProvider is returned when a request names a provider the registry
// does not know.
var ErrNoProvider = errors.New("llm: no such provider")

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one turn of conversation context sent to a provider.
type ChatMessage struct {
	Role    Role
	Content string
	// ToolCalls are set on assistant turns that requested tool execution.
	ToolCalls []models.ToolCall
	// ToolCallID links a tool turn back to the call it answers.
	ToolCallID string
	// IsError marks a tool turn as a failed execution.
	IsError bool
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema document for the tool arguments.
	InputSchema json.RawMessage
}

// StreamEventKind discriminates normalized stream events.
type StreamEventKind string

const (
	// StreamContent carries one answer token.
	StreamContent StreamEventKind = "content"
	// StreamToolCall carries one fully assembled tool call.
	StreamToolCall StreamEventKind = "tool_call"
	// StreamDone marks the end of the stream.
	StreamDone StreamEventKind = "done"
)

// StreamEvent is a normalized streaming update. Providers translate their
// native wire events into these before they reach the caller.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	ToolCall *models.ToolCall
}

// StreamFunc receives stream events in arrival order on the calling
// goroutine of Chat.
type StreamFunc func(StreamEvent)

// Request is one chat completion call.
type Request struct {
	System   string
	Messages []ChatMessage
	Tools    []ToolSpec
	Options  models.LLMOptions
	// Stream, when set, receives normalized events as the response arrives.
	Stream StreamFunc
}

// Response is the final result of a chat completion.
type Response struct {
	Answer           string
	ToolCalls        []models.ToolCall
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
}

// Service is a chat-capable LLM provider.
type Service interface {
	// Chat runs one completion. It blocks until the stream finishes and
	// returns the assembled response.
	Chat(ctx context.Context, req *Request) (*Response, error)
}

func (r *Request) emit(ev StreamEvent) {
	if r.Stream != nil {
		r.Stream(ev)
	}
}

// Registry dispatches requests to named providers.
type Registry struct {
	defaultName string
	providers   map[string]Service
}

// NewRegistry builds a registry. defaultName is used when a request leaves
// the provider unset.
func NewRegistry(defaultName string, providers map[string]Service) *Registry {
	return &Registry{defaultName: defaultName, providers: providers}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, svc Service) {
	if r.providers == nil {
		r.providers = make(map[string]Service)
	}
	r.providers[name] = svc
}

// Chat routes the request by Options.Provider, falling back to the
// registry default.
func (r *Registry) Chat(ctx context.Context, req *Request) (*Response, error) {
	name := req.Options.Provider
	if name == "" {
		name = r.defaultName
	}
	svc, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	return svc.Chat(ctx, req)
}
