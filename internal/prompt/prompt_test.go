package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/pkg/models"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC)
}

func testAgents(t *testing.T) *catalog.Agents {
	t.Helper()
	agents, err := catalog.NewAgents([]*models.AgentConfig{
		{Name: "Albert", Role: "researcher", Description: "asks questions"},
		{Name: "Robin", Role: "analyst"},
		{Name: "Charlie", Role: "writer", Description: "drafts text"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return agents
}

func TestBuildIsDeterministic(t *testing.T) {
	b := &Builder{Now: fixedClock}
	agents := testAgents(t)
	thread := &models.Thread{Name: "research", Participants: []string{"user", "Albert"}}
	agent := agents.Get("Albert")

	first := b.Build(agent, thread, agents, nil)
	second := b.Build(agent, thread, agents, nil)
	if first != second {
		t.Fatal("prompt composition is not deterministic")
	}
}

func TestBuildSections(t *testing.T) {
	b := &Builder{Now: fixedClock}
	agents := testAgents(t)
	thread := &models.Thread{Name: "research", Participants: []string{"user", "Albert"}}
	task := &models.Task{Name: "summarize findings", Goal: "one page", Status: "active"}

	got := b.Build(agents.Get("Albert"), thread, agents, task)

	for _, want := range []string{
		`conversation "research"`,
		"- Albert | researcher | asks questions",
		"- user | user | -",
		"Address a specific participant with @name.",
		"- Robin | analyst | -",
		"- Charlie | writer | drafts text",
		"Active task: summarize findings",
		"Goal: one page",
		"You are Albert.",
		"Role: researcher",
		"Current date and time: Friday, March 14, 2025 at 3:09 PM UTC",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestOtherAgentsExcludeSelfAndParticipants(t *testing.T) {
	b := &Builder{Now: fixedClock}
	agents := testAgents(t)
	thread := &models.Thread{Participants: []string{"user", "Albert", "Robin"}}

	got := b.Build(agents.Get("Albert"), thread, agents, nil)

	if strings.Contains(got, "Other available agents") && strings.Contains(got, "- Robin | analyst") && strings.Count(got, "Robin") > 1 {
		t.Fatalf("participant listed as other agent:\n%s", got)
	}
	if !strings.Contains(got, "- Charlie | writer | drafts text") {
		t.Fatalf("non-participant agent missing from other agents:\n%s", got)
	}
}
