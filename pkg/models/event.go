package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates queue event payloads.
type EventType string

const (
	EventMessage    EventType = "MESSAGE"
	EventToolCall   EventType = "TOOL_CALL"
	EventToolResult EventType = "TOOL_RESULT"
	EventSystem     EventType = "SYSTEM"
)

// EventStatus is the queue state machine: pending -> processing ->
// {completed | failed}. Terminal states are never left.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// Event is a durable queue item representing one step of a conversation.
// Payload is typed JSON whose shape is fixed by Type; use the Decode helpers
// to recover the variant.
type Event struct {
	ID            string          `json:"id"`
	ThreadID      string          `json:"thread_id"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	Priority      int             `json:"priority"`
	Status        EventStatus     `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	TTLMs         int64           `json:"ttl_ms,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether the event reached a final status.
func (e *Event) Terminal() bool {
	return e.Status == EventCompleted || e.Status == EventFailed
}

// Expired reports whether the event's TTL elapsed before now.
func (e *Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// MessagePayload is the payload of a MESSAGE event: an utterance entering the
// thread, from a user, an agent, a tool result, or the system.
type MessagePayload struct {
	SenderID   string            `json:"sender_id"`
	SenderType SenderType        `json:"sender_type"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ToolCallPayload is the payload of a TOOL_CALL event: one tool invocation
// requested by the named agent.
type ToolCallPayload struct {
	AgentName string   `json:"agent_name"`
	Call      ToolCall `json:"call"`
}

// ToolResultPayload is the payload of a TOOL_RESULT event. Output is the
// tool's JSON result; Error is set instead when execution or validation
// failed.
type ToolResultPayload struct {
	AgentName string          `json:"agent_name"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SystemPayload is the payload of a SYSTEM event.
type SystemPayload struct {
	Action   string            `json:"action"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessageEvent builds a pending MESSAGE event for a thread.
func NewMessageEvent(threadID string, p MessagePayload) *Event {
	return newEvent(threadID, EventMessage, p)
}

// NewToolCallEvent builds a pending TOOL_CALL event for a thread.
func NewToolCallEvent(threadID string, p ToolCallPayload) *Event {
	return newEvent(threadID, EventToolCall, p)
}

// NewToolResultEvent builds a pending TOOL_RESULT event for a thread.
func NewToolResultEvent(threadID string, p ToolResultPayload) *Event {
	return newEvent(threadID, EventToolResult, p)
}

// NewSystemEvent builds a pending SYSTEM event for a thread.
func NewSystemEvent(threadID string, p SystemPayload) *Event {
	return newEvent(threadID, EventSystem, p)
}

func newEvent(threadID string, typ EventType, payload any) *Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload structs contain only marshalable fields.
		raw = []byte("{}")
	}
	return &Event{
		ThreadID: threadID,
		Type:     typ,
		Payload:  raw,
		Status:   EventPending,
	}
}

// DecodeMessagePayload parses the event payload as a MessagePayload.
func (e *Event) DecodeMessagePayload() (*MessagePayload, error) {
	if e.Type != EventMessage {
		return nil, fmt.Errorf("event %s: type %s is not %s", e.ID, e.Type, EventMessage)
	}
	var p MessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("event %s: decode payload: %w", e.ID, err)
	}
	return &p, nil
}

// DecodeToolCallPayload parses the event payload as a ToolCallPayload.
func (e *Event) DecodeToolCallPayload() (*ToolCallPayload, error) {
	if e.Type != EventToolCall {
		return nil, fmt.Errorf("event %s: type %s is not %s", e.ID, e.Type, EventToolCall)
	}
	var p ToolCallPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("event %s: decode payload: %w", e.ID, err)
	}
	return &p, nil
}

// DecodeToolResultPayload parses the event payload as a ToolResultPayload.
func (e *Event) DecodeToolResultPayload() (*ToolResultPayload, error) {
	if e.Type != EventToolResult {
		return nil, fmt.Errorf("event %s: type %s is not %s", e.ID, e.Type, EventToolResult)
	}
	var p ToolResultPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("event %s: decode payload: %w", e.ID, err)
	}
	return &p, nil
}
