package delegation

import (
	"fmt"
	"strings"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Assignment is one unit of work handed to a specialist.
type Assignment struct {
	Agent  *types.Agent
	Prompt string
}

// Decomposer splits a request into assignments. Returning no assignments
// fails the task.
type Decomposer interface {
	Decompose(request string, manager *types.Agent, specialists []*types.Agent) []Assignment
}

// Aggregator turns a task whose subtasks are all terminal into the content
// of the aggregate broadcast. Subtasks are in assignment order.
type Aggregator interface {
	Aggregate(task *types.DelegationTask) string
}

// DecomposerFunc adapts a function to Decomposer.
type DecomposerFunc func(request string, manager *types.Agent, specialists []*types.Agent) []Assignment

// Decompose calls f.
func (f DecomposerFunc) Decompose(request string, manager *types.Agent, specialists []*types.Agent) []Assignment {
	return f(request, manager, specialists)
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(task *types.DelegationTask) string

// Aggregate calls f.
func (f AggregatorFunc) Aggregate(task *types.DelegationTask) string {
	return f(task)
}

// FanOut sends the unchanged request to every specialist, in participant
// order.
type FanOut struct{}

// Decompose implements Decomposer.
func (FanOut) Decompose(request string, _ *types.Agent, specialists []*types.Agent) []Assignment {
	out := make([]Assignment, 0, len(specialists))
	for _, a := range specialists {
		out = append(out, Assignment{Agent: a, Prompt: request})
	}
	return out
}

// Concatenate joins subtask results in subtask order, one block per agent.
// Timed-out and failed subtasks are flagged instead of dropped.
type Concatenate struct{}

// Aggregate implements Aggregator.
func (Concatenate) Aggregate(task *types.DelegationTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Combined response from %d agent(s):", len(task.Subtasks))
	for _, st := range task.Subtasks {
		b.WriteString("\n\n")
		b.WriteString(st.AgentName)
		switch st.Status {
		case types.SubtaskCompleted:
			b.WriteString(": ")
			b.WriteString(st.Result)
		case types.SubtaskTimedOut:
			b.WriteString(" [timed out]: ")
			b.WriteString(st.Result)
		default:
			b.WriteString(" [failed]: ")
			b.WriteString(st.Error)
		}
	}
	return b.String()
}

// noAgentsContent is the aggregate published when nothing can be delegated.
const noAgentsContent = "No agents in this session can take this request."
