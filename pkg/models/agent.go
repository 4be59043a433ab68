package models

import "context"

// AgentType distinguishes LLM-driven agents from programmatic ones.
type AgentType string

const (
	// AgentAgentic agents answer by calling an LLM.
	AgentAgentic AgentType = "agentic"
	// AgentProgrammatic agents answer via a ProcessingFunc, no LLM involved.
	AgentProgrammatic AgentType = "programmatic"
)

// LLMOptions carries per-agent LLM configuration. Zero values defer to the
// service defaults.
type LLMOptions struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AgentConfig describes a named participant policy. Supplied at session start
// and immutable for the lifetime of a processing step.
//
// AllowedTools and AllowedAgents are permission sets: nil means unrestricted,
// an empty non-nil set means nothing is allowed.
type AgentConfig struct {
	Name          string         `json:"name"`
	Role          string         `json:"role,omitempty"`
	Personality   string         `json:"personality,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Description   string         `json:"description,omitempty"`
	AgentType     AgentType      `json:"agent_type"`
	AllowedTools  []string       `json:"allowed_tools,omitempty"`
	AllowedAgents []string       `json:"allowed_agents,omitempty"`
	LLMOptions    LLMOptions     `json:"llm_options,omitempty"`
	Processing    ProcessingFunc `json:"-"`
}

// IsProgrammatic reports whether the agent answers via its ProcessingFunc.
func (a *AgentConfig) IsProgrammatic() bool {
	return a.AgentType == AgentProgrammatic && a.Processing != nil
}

// ToolAllowed applies the AllowedTools permission set.
func (a *AgentConfig) ToolAllowed(key string) bool {
	if a.AllowedTools == nil {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == key {
			return true
		}
	}
	return false
}

// AgentAllowed applies the AllowedAgents permission set.
func (a *AgentConfig) AgentAllowed(name string) bool {
	if a.AllowedAgents == nil {
		return true
	}
	for _, n := range a.AllowedAgents {
		if n == name {
			return true
		}
	}
	return false
}

// ProcessingInput is handed to a programmatic agent's ProcessingFunc.
type ProcessingInput struct {
	Message *Message
	Thread  *Thread
	History []*Message
}

// ProcessingOutput is what a programmatic agent produced. Content and
// ToolCalls mirror an LLM answer; ShouldContinue re-drives routing with the
// agent's utterance even without mentions.
type ProcessingOutput struct {
	Content        string
	ToolCalls      []ToolCall
	ShouldContinue bool
}

// ProcessingFunc computes a programmatic agent's response.
type ProcessingFunc func(ctx context.Context, in ProcessingInput) (*ProcessingOutput, error)

// Task is an optional unit of work bound to a session; surfaced to agents in
// their system prompt.
type Task struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Goal   string `json:"goal,omitempty"`
	Status string `json:"status,omitempty"`
}
