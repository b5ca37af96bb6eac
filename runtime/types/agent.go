// Package types defines the domain model shared by the collaboration runtime:
// agents and participants, ledgered messages, wire envelopes and events, and
// delegation tasks.
package types

import "fmt"

// Agent describes an external agent. Agents are read-only for the lifetime
// of a session; sessions share them by pointer.
type Agent struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// Endpoint is the agent's JSON-RPC URL. Agents without one answer
	// subtasks over their own connection.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// ResultPath is an optional JMESPath expression applied to the agent's
	// JSON output to pick the text that goes into the aggregate.
	ResultPath string `json:"resultPath,omitempty" yaml:"resultPath,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (a *Agent) DisplayName() string {
	if a == nil {
		return ""
	}
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Participant is an agent's membership in a session.
type Participant struct {
	Agent     *Agent `json:"agent"`
	IsManager bool   `json:"isManager"`
}

// ValidateParticipants checks ids are present and unique and that at most one
// participant is a manager.
func ValidateParticipants(ps []Participant) error {
	seen := make(map[string]struct{}, len(ps))
	managers := 0
	for i, p := range ps {
		if p.Agent == nil || p.Agent.ID == "" {
			return fmt.Errorf("%w: participant %d has no agent id", ErrInvalidParticipants, i)
		}
		if _, dup := seen[p.Agent.ID]; dup {
			return fmt.Errorf("%w: agent %q listed twice", ErrInvalidParticipants, p.Agent.ID)
		}
		seen[p.Agent.ID] = struct{}{}
		if p.IsManager {
			managers++
		}
	}
	if managers > 1 {
		return ErrDuplicateManager
	}
	return nil
}
