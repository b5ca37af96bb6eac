package events

import "time"

// Emitter publishes events stamped with a session id. A nil Emitter or one
// without a bus is a no-op, so components can always call it.
type Emitter struct {
	bus       *EventBus
	sessionID string
}

// NewEmitter creates an emitter bound to sessionID. An empty id is allowed
// for process-wide emitters.
func NewEmitter(bus *EventBus, sessionID string) *Emitter {
	return &Emitter{bus: bus, sessionID: sessionID}
}

// ForSession returns an emitter on the same bus bound to sessionID.
func (e *Emitter) ForSession(sessionID string) *Emitter {
	if e == nil {
		return nil
	}
	return &Emitter{bus: e.bus, sessionID: sessionID}
}

func (e *Emitter) emit(eventType EventType, data EventData) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	})
}

// SessionOpened emits session.opened.
func (e *Emitter) SessionOpened(participants int) {
	e.emit(EventSessionOpened, SessionData{Participants: participants})
}

// SessionClosed emits session.closed.
func (e *Emitter) SessionClosed(reason string) {
	e.emit(EventSessionClosed, SessionData{Reason: reason})
}

// ConnectionRegistered emits connection.registered.
func (e *Emitter) ConnectionRegistered(clientID, connectionID string, replaced bool) {
	e.emit(EventConnectionRegistered, ConnectionData{
		ClientID:     clientID,
		ConnectionID: connectionID,
		Replaced:     replaced,
	})
}

// ConnectionUnregistered emits connection.unregistered.
func (e *Emitter) ConnectionUnregistered(clientID, connectionID string) {
	e.emit(EventConnectionUnregistered, ConnectionData{ClientID: clientID, ConnectionID: connectionID})
}

// MessagePublished emits message.published.
func (e *Emitter) MessagePublished(kind, scope string, seq int64, delivered, failed int) {
	e.emit(EventMessagePublished, MessagePublishedData{
		Kind:      kind,
		Scope:     scope,
		Seq:       seq,
		Delivered: delivered,
		Failed:    failed,
	})
}

// InboundRejected emits inbound.rejected.
func (e *Emitter) InboundRejected(clientID, code string) {
	e.emit(EventInboundRejected, InboundRejectedData{ClientID: clientID, Code: code})
}

// DelegationDispatched emits delegation.dispatched.
func (e *Emitter) DelegationDispatched(taskID string, subtasks int) {
	e.emit(EventDelegationDispatched, DelegationDispatchedData{TaskID: taskID, Subtasks: subtasks})
}

// SubtaskFinished emits delegation.subtask_finished.
func (e *Emitter) SubtaskFinished(taskID, agentID, status string, d time.Duration) {
	e.emit(EventSubtaskFinished, SubtaskFinishedData{
		TaskID:   taskID,
		AgentID:  agentID,
		Status:   status,
		Duration: d,
	})
}

// DelegationCompleted emits delegation.completed.
func (e *Emitter) DelegationCompleted(taskID, state string, d time.Duration, timedOut, failed int) {
	e.emit(EventDelegationCompleted, DelegationCompletedData{
		TaskID:   taskID,
		State:    state,
		Duration: d,
		TimedOut: timedOut,
		Failed:   failed,
	})
}

// AgentInvoked emits agent.invoked.
func (e *Emitter) AgentInvoked(agentID string, d time.Duration, err error) {
	e.emit(EventAgentInvoked, AgentInvokedData{AgentID: agentID, Duration: d, Error: err})
}
