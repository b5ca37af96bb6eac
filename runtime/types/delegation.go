package types

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a delegation task.
type TaskState string

// Task states.
const (
	TaskCreated    TaskState = "created"
	TaskDispatched TaskState = "dispatched"
	TaskAggregated TaskState = "aggregated"
	TaskFailed     TaskState = "failed"
)

// SubtaskStatus is the lifecycle state of one subtask.
type SubtaskStatus string

// Subtask statuses.
const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskDispatched SubtaskStatus = "dispatched"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskTimedOut   SubtaskStatus = "timed_out"
)

var terminalTaskStates = map[TaskState]bool{
	TaskAggregated: true,
	TaskFailed:     true,
}

var validTaskTransitions = map[TaskState][]TaskState{
	TaskCreated:    {TaskDispatched, TaskFailed},
	TaskDispatched: {TaskAggregated, TaskFailed},
}

// IsTerminal reports whether s is final.
func (s TaskState) IsTerminal() bool { return terminalTaskStates[s] }

// CanTransition reports whether moving from s to next is allowed.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range validTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is Completed, Failed or TimedOut.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskTimedOut
}

// Subtask is one agent's share of a delegation task.
type Subtask struct {
	Index        int           `json:"index"`
	AgentID      string        `json:"agentId"`
	AgentName    string        `json:"agentName"`
	Prompt       string        `json:"prompt"`
	Status       SubtaskStatus `json:"status"`
	Result       string        `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	DispatchedAt time.Time     `json:"dispatchedAt,omitempty"`
	FinishedAt   time.Time     `json:"finishedAt,omitempty"`
}

// DelegationTask is a manager-coordinated fan-out of one request.
type DelegationTask struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Request      string     `json:"request"`
	RequesterID  string     `json:"requesterId"`
	ManagerID    string     `json:"managerId"`
	State        TaskState  `json:"state"`
	Subtasks     []*Subtask `json:"subtasks"`
	Reason       string     `json:"reason,omitempty"`
	AggregateSeq int64      `json:"aggregateSeq,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  time.Time  `json:"completedAt,omitempty"`
}

// Transition moves the task to next or returns an error naming both states.
func (t *DelegationTask) Transition(next TaskState, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.State, next)
	}
	t.State = next
	t.UpdatedAt = now
	if next.IsTerminal() {
		t.CompletedAt = now
	}
	return nil
}

// SubtaskAt returns the subtask with the given index, or nil.
func (t *DelegationTask) SubtaskAt(index int) *Subtask {
	if index < 0 || index >= len(t.Subtasks) {
		return nil
	}
	return t.Subtasks[index]
}

// NextPending returns agentID's first unfinished subtask, or nil. An agent
// holds more than one subtask only under a custom decomposer.
func (t *DelegationTask) NextPending(agentID string) *Subtask {
	for _, st := range t.Subtasks {
		if st.AgentID == agentID && !st.Status.IsTerminal() {
			return st
		}
	}
	return nil
}

// AllTerminal reports whether every subtask has finished.
func (t *DelegationTask) AllTerminal() bool {
	for _, st := range t.Subtasks {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (t *DelegationTask) Clone() *DelegationTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Subtasks = make([]*Subtask, len(t.Subtasks))
	for i, st := range t.Subtasks {
		s := *st
		c.Subtasks[i] = &s
	}
	return &c
}

// Invocation asks an agent to work on one subtask.
type Invocation struct {
	SessionID string
	TaskID    string
	Agent     *Agent
	Prompt    string
}
