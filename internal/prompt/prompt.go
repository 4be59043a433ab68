// Package prompt builds the system prompt for agentic agents. Composition is
// deterministic: fixed section order, participants in thread order, sections
// joined by blank lines.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/pkg/models"
)

// Builder assembles system prompts. Now is injectable for deterministic
// tests; nil defaults to time.Now.
type Builder struct {
	Now func() time.Time
}

// New returns a Builder using the wall clock.
func New() *Builder {
	return &Builder{Now: time.Now}
}

// Build composes the system prompt for one agent in one thread. Task is
// optional.
func (b *Builder) Build(agent *models.AgentConfig, thread *models.Thread, agents *catalog.Agents, task *models.Task) string {
	var sections []string

	sections = append(sections, b.threadSection(agent, thread, agents))
	if task != nil {
		sections = append(sections, taskSection(task))
	}
	sections = append(sections, identitySection(agent))
	sections = append(sections, b.timeSection())

	return strings.Join(sections, "\n\n")
}

func (b *Builder) threadSection(agent *models.AgentConfig, thread *models.Thread, agents *catalog.Agents) string {
	var sb strings.Builder

	if thread.Name != "" {
		fmt.Fprintf(&sb, "You are in the conversation %q.\n", thread.Name)
	} else {
		sb.WriteString("You are in a conversation.\n")
	}

	sb.WriteString("Participants:\n")
	for _, name := range thread.Participants {
		if a := agents.Get(name); a != nil {
			fmt.Fprintf(&sb, "- %s | %s | %s\n", a.Name, orDash(a.Role), orDash(a.Description))
		} else {
			fmt.Fprintf(&sb, "- %s | user | -\n", name)
		}
	}
	sb.WriteString("Address a specific participant with @name.")

	others := agents.NotIn(thread.Participants)
	if agent != nil {
		filtered := others[:0]
		for _, o := range others {
			if o.Name != agent.Name {
				filtered = append(filtered, o)
			}
		}
		others = filtered
	}
	if len(others) > 0 {
		sb.WriteString("\nOther available agents (reach them via the ask_question or create_thread tools):\n")
		for _, o := range others {
			fmt.Fprintf(&sb, "- %s | %s | %s\n", o.Name, orDash(o.Role), orDash(o.Description))
		}
		return strings.TrimRight(sb.String(), "\n")
	}

	return sb.String()
}

func taskSection(task *models.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Active task: %s\n", task.Name)
	if task.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", task.Goal)
	}
	if task.Status != "" {
		fmt.Fprintf(&sb, "Status: %s", task.Status)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func identitySection(agent *models.AgentConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s.", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&sb, "\nRole: %s", agent.Role)
	}
	if agent.Personality != "" {
		fmt.Fprintf(&sb, "\nPersonality: %s", agent.Personality)
	}
	if agent.Instructions != "" {
		fmt.Fprintf(&sb, "\nInstructions: %s", agent.Instructions)
	}
	return sb.String()
}

func (b *Builder) timeSection() string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return "Current date and time: " + now().Format("Monday, January 2, 2006 at 3:04 PM MST")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
