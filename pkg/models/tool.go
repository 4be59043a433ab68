package models

import "time"

// ToolLogStatus marks whether a tool invocation succeeded.
type ToolLogStatus string

const (
	ToolLogSuccess ToolLogStatus = "success"
	ToolLogError   ToolLogStatus = "error"
)

// ToolLogEntry is one row of the append-only tool audit log.
type ToolLogEntry struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"thread_id"`
	ToolName     string        `json:"tool_name"`
	ToolInput    string        `json:"tool_input"`
	ToolOutput   string        `json:"tool_output,omitempty"`
	Status       ToolLogStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}
