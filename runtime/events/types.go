package events

import "time"

// EventType identifies the type of event emitted by the runtime.
type EventType string

const (
	// EventSessionOpened marks a new collaboration session.
	EventSessionOpened EventType = "session.opened"
	// EventSessionClosed marks a session torn down explicitly or by idle eviction.
	EventSessionClosed EventType = "session.closed"

	// EventConnectionRegistered marks a connection admitted to the registry.
	EventConnectionRegistered EventType = "connection.registered"
	// EventConnectionUnregistered marks a connection removed from the registry.
	EventConnectionUnregistered EventType = "connection.unregistered"

	// EventMessagePublished marks a ledgered message fanned out by the bus.
	EventMessagePublished EventType = "message.published"
	// EventInboundRejected marks an inbound frame refused by the coordinator.
	EventInboundRejected EventType = "inbound.rejected"

	// EventDelegationDispatched marks a task whose subtasks were sent.
	EventDelegationDispatched EventType = "delegation.dispatched"
	// EventSubtaskFinished marks a subtask reaching a terminal status.
	EventSubtaskFinished EventType = "delegation.subtask_finished"
	// EventDelegationCompleted marks a task that was aggregated or failed.
	EventDelegationCompleted EventType = "delegation.completed"

	// EventAgentInvoked marks one agent RPC round trip.
	EventAgentInvoked EventType = "agent.invoked"
)

// EventData is a marker interface for event payloads.
type EventData interface {
	eventData()
}

// Event is delivered to listeners.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      EventData
}

type baseEventData struct{}

func (baseEventData) eventData() {}

// SessionData describes a session lifecycle change.
type SessionData struct {
	baseEventData
	Participants int
	Reason       string
}

// ConnectionData describes a registry change.
type ConnectionData struct {
	baseEventData
	ClientID     string
	ConnectionID string
	Replaced     bool
}

// MessagePublishedData describes one fan-out.
type MessagePublishedData struct {
	baseEventData
	Kind      string
	Scope     string
	Seq       int64
	Delivered int
	Failed    int
}

// InboundRejectedData describes a refused inbound frame.
type InboundRejectedData struct {
	baseEventData
	ClientID string
	Code     string
}

// DelegationDispatchedData describes a dispatched task.
type DelegationDispatchedData struct {
	baseEventData
	TaskID   string
	Subtasks int
}

// SubtaskFinishedData describes a terminal subtask.
type SubtaskFinishedData struct {
	baseEventData
	TaskID   string
	AgentID  string
	Status   string
	Duration time.Duration
}

// DelegationCompletedData describes a terminal task.
type DelegationCompletedData struct {
	baseEventData
	TaskID   string
	State    string
	Duration time.Duration
	TimedOut int
	Failed   int
}

// AgentInvokedData describes one agent RPC call.
type AgentInvokedData struct {
	baseEventData
	AgentID  string
	Duration time.Duration
	Error    error
}
