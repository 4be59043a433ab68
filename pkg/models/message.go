package models

import "time"

// SenderType identifies what kind of participant authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderTool   SenderType = "tool"
	SenderSystem SenderType = "system"
)

// ToolCall is a single tool invocation requested by an agent. Arguments are
// kept as the raw JSON string the provider produced; parsing and validation
// happen at the tool boundary.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a persisted utterance within a thread.
//
// Content is always clean text: any provider-native tool-call markup is
// stripped by the LLM adapter before the message reaches the store, and the
// structured calls live in ToolCalls. A tool-result message (SenderTool) must
// carry the ToolCallID of the call it answers.
type Message struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"thread_id"`
	SenderID     string     `json:"sender_id"`
	SenderType   SenderType `json:"sender_type"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	SenderUserID string     `json:"sender_user_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	// ThreadLevel is the distance from the queried thread when the message
	// was loaded through an ancestor chain: 0 for the thread itself, 1 for
	// its parent, and so on. It is not persisted.
	ThreadLevel int `json:"-"`
}
