package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"chat": false, "send": false, "queue": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestLoadAgentsDefaultsToAssistant(t *testing.T) {
	agents, err := loadAgents("")
	if err != nil {
		t.Fatalf("loadAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "Assistant" {
		t.Fatalf("default agents = %+v", agents)
	}
}

func TestLoadAgentsParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := `agents:
  - name: Albert
    role: physicist
    allowed_agents: [Robin]
    provider: anthropic
    temperature: 0.3
  - name: Robin
    type: agentic
    allowed_tools: []
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	agents, err := loadAgents(path)
	if err != nil {
		t.Fatalf("loadAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agent count = %d", len(agents))
	}
	albert := agents[0]
	if albert.Role != "physicist" || albert.LLMOptions.Provider != "anthropic" {
		t.Fatalf("albert = %+v", albert)
	}
	if len(albert.AllowedAgents) != 1 || albert.AllowedAgents[0] != "Robin" {
		t.Fatalf("allowed agents = %v", albert.AllowedAgents)
	}
	if albert.LLMOptions.Temperature != 0.3 {
		t.Fatalf("temperature = %v", albert.LLMOptions.Temperature)
	}
	// An empty non-nil allow list means no tools.
	if agents[1].AllowedTools == nil || len(agents[1].AllowedTools) != 0 {
		t.Fatalf("robin allowed tools = %#v", agents[1].AllowedTools)
	}
}

func TestLoadAgentsRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadAgents(path); err == nil {
		t.Fatal("expected error for empty agents file")
	}
}
