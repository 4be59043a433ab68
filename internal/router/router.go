// Package router decides which agents receive a message. The rules run in
// order: tool-result fan-in, @mention matching, two-party fallback. The
// allowed-agents filter applies only when the sender is itself an agent.
package router

import (
	"regexp"

	"github.com/parleyhq/parley/pkg/models"
)

// Mentions are @ followed by word characters: ASCII letters, digits, and
// underscore, matched case-sensitively. Non-ASCII agent names are never
// mentionable.
var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Router resolves the target agents for a message payload.
type Router struct{}

// New returns a Router.
func New() *Router {
	return &Router{}
}

// Route returns the agents that should process the payload, in a stable
// order, deduplicated by name. An empty result is a routing no-op, not an
// error.
func (r *Router) Route(payload *models.MessagePayload, thread *models.Thread, available map[string]*models.AgentConfig) []*models.AgentConfig {
	// Rule 1: a tool result returns to the agent that requested it.
	if payload.SenderType == models.SenderTool {
		if agent, ok := available[payload.SenderID]; ok {
			return []*models.AgentConfig{agent}
		}
		return nil
	}

	sender := available[payload.SenderID]

	// Rule 2: explicit mentions, intersected with available agents.
	if names := ParseMentions(payload.Content); len(names) > 0 {
		var targets []*models.AgentConfig
		for _, name := range names {
			agent, ok := available[name]
			if !ok {
				// Unknown mention: ignored, no error.
				continue
			}
			if !allowed(sender, payload.SenderType, name) {
				continue
			}
			targets = append(targets, agent)
		}
		return targets
	}

	// Rule 3: two-party fallback. With exactly two participants and no
	// mentions, the message goes to the one who didn't send it.
	if thread != nil && len(thread.Participants) == 2 {
		for _, p := range thread.Participants {
			if p == payload.SenderID {
				continue
			}
			agent, ok := available[p]
			if !ok {
				continue
			}
			if !allowed(sender, payload.SenderType, p) {
				continue
			}
			return []*models.AgentConfig{agent}
		}
	}

	// Rule 4: no implicit target.
	return nil
}

// ParseMentions extracts mentioned names from content in order of first
// appearance, deduplicated.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// allowed applies the sender's allowed-agents filter. Users, tools, and the
// system are never filtered.
func allowed(sender *models.AgentConfig, senderType models.SenderType, target string) bool {
	if senderType != models.SenderAgent || sender == nil {
		return true
	}
	return sender.AgentAllowed(target)
}
