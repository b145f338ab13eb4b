// Package orchestrator maps an inbound (agent id, caller profile)
// pair to a configured agent. The registry is built at startup and
// read-only afterwards; dispatch holds no per-request state.
package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/implementos/agentd/internal/memory"
	"github.com/implementos/agentd/internal/tool"
)

var (
	// ErrUnknownAgent is returned for agent ids not in the registry.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrForbidden is returned when the caller profile is not in the
	// agent's allow-list.
	ErrForbidden = errors.New("profile not allowed for agent")
)

// QueuePolicy decides what happens when a run arrives while the
// session is busy.
type QueuePolicy string

const (
	// QueuePolicyQueue waits for the running turn to finish.
	QueuePolicyQueue QueuePolicy = "queue"
	// QueuePolicyFailFast rejects the new run immediately.
	QueuePolicyFailFast QueuePolicy = "fail_fast"
)

// Bounds for MaxSteps; outside values are clamped at registration.
const (
	MinSteps     = 3
	MaxSteps     = 8
	DefaultSteps = 6
)

// Default run timeouts.
const (
	DefaultToolTimeout      = 60 * time.Second
	DefaultModelCallTimeout = 5 * time.Minute
	DefaultRunTimeout       = 10 * time.Minute
)

// Timeouts are the per-agent deadline settings.
type Timeouts struct {
	Tool      time.Duration `mapstructure:"tool"`
	ModelCall time.Duration `mapstructure:"model_call"`
	Run       time.Duration `mapstructure:"run"`
}

// Descriptor is one agent's configuration.
type Descriptor struct {
	ID              string        `mapstructure:"id" json:"id"`
	Name            string        `mapstructure:"name" json:"name"`
	Description     string        `mapstructure:"description" json:"description"`
	ModelID         string        `mapstructure:"model_id" json:"model_id"`
	Instructions    string        `mapstructure:"instructions" json:"-"`
	Toolkits        []string      `mapstructure:"toolkits" json:"-"`
	AllowedProfiles []string      `mapstructure:"allowed_profiles" json:"-"`
	Memory          memory.Policy `mapstructure:"memory" json:"-"`
	MaxSteps        int           `mapstructure:"max_steps" json:"-"`
	Temperature     *float64      `mapstructure:"temperature" json:"-"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" json:"-"`
	Timeouts        Timeouts      `mapstructure:"timeouts" json:"-"`
	QueuePolicy     QueuePolicy   `mapstructure:"queue_policy" json:"-"`
}

// Allows reports whether profile may invoke this agent. An empty
// allow-list admits nobody; agents must opt profiles in explicitly.
func (d *Descriptor) Allows(profile string) bool {
	return slices.Contains(d.AllowedProfiles, profile)
}

// Agent is a descriptor resolved against its tool registry.
type Agent struct {
	Descriptor
	Tools *tool.Registry
}

// Orchestrator is the read-only agent registry.
type Orchestrator struct {
	agents map[string]*Agent
	order  []string
}

// New creates an empty orchestrator.
func New() *Orchestrator {
	return &Orchestrator{agents: make(map[string]*Agent)}
}

// Add registers an agent, applying defaults and clamping MaxSteps.
// Duplicate ids are rejected.
func (o *Orchestrator) Add(d Descriptor, tools *tool.Registry) error {
	if d.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if d.ModelID == "" {
		return fmt.Errorf("agent %s: model id is required", d.ID)
	}
	if _, exists := o.agents[d.ID]; exists {
		return fmt.Errorf("duplicate agent %q", d.ID)
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}

	switch {
	case d.MaxSteps == 0:
		d.MaxSteps = DefaultSteps
	case d.MaxSteps < MinSteps:
		d.MaxSteps = MinSteps
	case d.MaxSteps > MaxSteps:
		d.MaxSteps = MaxSteps
	}
	if d.Timeouts.Tool <= 0 {
		d.Timeouts.Tool = DefaultToolTimeout
	}
	if d.Timeouts.ModelCall <= 0 {
		d.Timeouts.ModelCall = DefaultModelCallTimeout
	}
	if d.Timeouts.Run <= 0 {
		d.Timeouts.Run = DefaultRunTimeout
	}
	if d.QueuePolicy == "" {
		d.QueuePolicy = QueuePolicyQueue
	}
	if d.QueuePolicy != QueuePolicyQueue && d.QueuePolicy != QueuePolicyFailFast {
		return fmt.Errorf("agent %s: unknown queue policy %q", d.ID, d.QueuePolicy)
	}

	o.agents[d.ID] = &Agent{Descriptor: d, Tools: tools}
	o.order = append(o.order, d.ID)
	return nil
}

// Resolve returns the agent for agentID if profile is allowed.
func (o *Orchestrator) Resolve(agentID, profile string) (*Agent, error) {
	a, ok := o.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if !a.Allows(profile) {
		return nil, fmt.Errorf("%w: agent %q, profile %q", ErrForbidden, agentID, profile)
	}
	return a, nil
}

// List returns the descriptors in registration order.
func (o *Orchestrator) List() []Descriptor {
	out := make([]Descriptor, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.agents[id].Descriptor)
	}
	return out
}
