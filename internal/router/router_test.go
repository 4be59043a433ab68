package router

import (
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func agentSet(agents ...*models.AgentConfig) map[string]*models.AgentConfig {
	m := make(map[string]*models.AgentConfig, len(agents))
	for _, a := range agents {
		m[a.Name] = a
	}
	return m
}

func names(targets []*models.AgentConfig) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Name
	}
	return out
}

func TestToolResultReturnsToOriginator(t *testing.T) {
	r := New()
	available := agentSet(
		&models.AgentConfig{Name: "Dev"},
		&models.AgentConfig{Name: "Other"},
	)
	payload := &models.MessagePayload{
		SenderID:   "Dev",
		SenderType: models.SenderTool,
		Content:    "tool output: done @Other",
	}

	targets := r.Route(payload, nil, available)
	if len(targets) != 1 || targets[0].Name != "Dev" {
		t.Fatalf("tool result should route to originator only, got %v", names(targets))
	}
}

func TestMentionRouting(t *testing.T) {
	r := New()
	available := agentSet(
		&models.AgentConfig{Name: "Albert"},
		&models.AgentConfig{Name: "Robin"},
		&models.AgentConfig{Name: "Charlie"},
	)
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "Hello, @Albert! Please ask @Robin a question.",
	}

	targets := r.Route(payload, nil, available)
	got := names(targets)
	if len(got) != 2 || got[0] != "Albert" || got[1] != "Robin" {
		t.Fatalf("mention routing = %v, want [Albert Robin]", got)
	}
}

func TestMentionsAreCaseSensitive(t *testing.T) {
	r := New()
	available := agentSet(&models.AgentConfig{Name: "Albert"})
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "hey @albert",
	}

	if targets := r.Route(payload, nil, available); len(targets) != 0 {
		t.Fatalf("lowercase mention matched %v", names(targets))
	}
}

func TestUnknownMentionIgnored(t *testing.T) {
	r := New()
	available := agentSet(&models.AgentConfig{Name: "Albert"})
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "ask @Nobody about it",
	}

	if targets := r.Route(payload, nil, available); len(targets) != 0 {
		t.Fatalf("unknown mention produced targets %v", names(targets))
	}
}

func TestAllowedAgentsFilterForAgentSender(t *testing.T) {
	r := New()
	available := agentSet(
		&models.AgentConfig{Name: "Albert", AllowedAgents: []string{"Robin"}},
		&models.AgentConfig{Name: "Robin"},
		&models.AgentConfig{Name: "Charlie"},
	)
	payload := &models.MessagePayload{
		SenderID:   "Albert",
		SenderType: models.SenderAgent,
		Content:    "@Robin and @Charlie please respond",
	}

	targets := r.Route(payload, nil, available)
	got := names(targets)
	if len(got) != 1 || got[0] != "Robin" {
		t.Fatalf("allowed-agents filter = %v, want [Robin]", got)
	}
}

func TestAllowedAgentsFilterSkippedForUserSender(t *testing.T) {
	r := New()
	// The user shares a name with no agent; a restricted agent set on some
	// agent must not affect user-sent messages.
	available := agentSet(
		&models.AgentConfig{Name: "Albert", AllowedAgents: []string{}},
		&models.AgentConfig{Name: "Robin"},
	)
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "@Albert @Robin",
	}

	targets := r.Route(payload, nil, available)
	if len(targets) != 2 {
		t.Fatalf("user sender should bypass allowed-agents filter, got %v", names(targets))
	}
}

func TestTwoPartyFallback(t *testing.T) {
	r := New()
	available := agentSet(&models.AgentConfig{Name: "Agent1"})
	thread := &models.Thread{Participants: []string{"user", "Agent1"}}
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "no mentions here",
	}

	targets := r.Route(payload, thread, available)
	if len(targets) != 1 || targets[0].Name != "Agent1" {
		t.Fatalf("two-party fallback = %v, want [Agent1]", names(targets))
	}
}

func TestNoFallbackWithThreeParticipants(t *testing.T) {
	r := New()
	available := agentSet(
		&models.AgentConfig{Name: "Agent1"},
		&models.AgentConfig{Name: "Agent2"},
	)
	thread := &models.Thread{Participants: []string{"user", "Agent1", "Agent2"}}
	payload := &models.MessagePayload{
		SenderID:   "user",
		SenderType: models.SenderUser,
		Content:    "no mentions here",
	}

	if targets := r.Route(payload, thread, available); len(targets) != 0 {
		t.Fatalf("fallback fired with 3 participants: %v", names(targets))
	}
}

func TestDuplicateMentionsDeduplicated(t *testing.T) {
	got := ParseMentions("@Albert please, @Albert, talk to @Robin")
	if len(got) != 2 || got[0] != "Albert" || got[1] != "Robin" {
		t.Fatalf("ParseMentions = %v, want [Albert Robin]", got)
	}
}
