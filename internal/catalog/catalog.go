// Package catalog holds the per-session agent catalog: the fixed set of
// agent configurations supplied at session start, validated once and read by
// the router, the prompt builder, and the processors.
package catalog

import (
	"errors"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

var (
	// ErrNoAgents is returned when a session starts with no agents.
	ErrNoAgents = errors.New("catalog: no agents provided")
	// ErrDuplicateAgent is returned when two agents share a name.
	ErrDuplicateAgent = errors.New("catalog: duplicate agent name")
)

// Agents is a validated, name-keyed agent catalog. It is immutable after
// construction, so concurrent readers need no locking.
type Agents struct {
	byName map[string]*models.AgentConfig
	order  []string
}

// NewAgents validates the configurations and builds the catalog.
func NewAgents(configs []*models.AgentConfig) (*Agents, error) {
	if len(configs) == 0 {
		return nil, ErrNoAgents
	}
	byName := make(map[string]*models.AgentConfig, len(configs))
	order := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("catalog: agent with empty name")
		}
		if _, exists := byName[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, cfg.Name)
		}
		if cfg.AgentType == "" {
			cfg.AgentType = models.AgentAgentic
		}
		byName[cfg.Name] = cfg
		order = append(order, cfg.Name)
	}
	return &Agents{byName: byName, order: order}, nil
}

// Get returns the agent with the given name, or nil.
func (a *Agents) Get(name string) *models.AgentConfig {
	return a.byName[name]
}

// Has reports whether an agent with the name exists.
func (a *Agents) Has(name string) bool {
	_, ok := a.byName[name]
	return ok
}

// ByName exposes the catalog as a map for the router.
func (a *Agents) ByName() map[string]*models.AgentConfig {
	return a.byName
}

// Names returns agent names in registration order.
func (a *Agents) Names() []string {
	return a.order
}

// All returns the configurations in registration order.
func (a *Agents) All() []*models.AgentConfig {
	out := make([]*models.AgentConfig, len(a.order))
	for i, name := range a.order {
		out[i] = a.byName[name]
	}
	return out
}

// NotIn returns agents whose names are absent from the given participant
// list, in registration order. Used for the "other available agents" section
// of the system prompt.
func (a *Agents) NotIn(participants []string) []*models.AgentConfig {
	inThread := make(map[string]bool, len(participants))
	for _, p := range participants {
		inThread[p] = true
	}
	var out []*models.AgentConfig
	for _, name := range a.order {
		if !inThread[name] {
			out = append(out, a.byName[name])
		}
	}
	return out
}
