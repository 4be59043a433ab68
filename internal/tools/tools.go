// Package tools defines the executable tool surface offered to agents: the
// Tool interface, a validating registry with per-tool timeouts, native file
// tools, OpenAPI-generated tools, and MCP-backed tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Tool is a named executable capability with a JSON Schema input and a
// textual output.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters. Execution
	// failures the agent can self-correct from are reported via
	// Result.IsError rather than an error return.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the output of a tool execution.
type Result struct {
	// Content is the tool's output, text or serialized JSON.
	Content string `json:"content"`

	// IsError marks the result as an error condition the agent should
	// review and retry.
	IsError bool `json:"is_error,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Text builds a plain success result.
func Text(content string) *Result {
	return &Result{Content: content}
}

// JSON builds a success result carrying a serialized value.
func JSON(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return &Result{Content: string(data)}
}

// schemaFor reflects a JSON Schema from an input struct. The schema is
// inlined so providers that reject $ref documents can consume it directly.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
