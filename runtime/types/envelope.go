package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// InboundType is the declared type of an inbound envelope.
type InboundType string

// Inbound envelope types.
const (
	InboundBroadcast       InboundType = "broadcast"
	InboundDirect          InboundType = "direct"
	InboundDelegateRequest InboundType = "delegate_request"
	InboundSubtaskResult   InboundType = "subtask_result"
)

// Envelope is the inbound frame a client sends over its connection.
type Envelope struct {
	Type      InboundType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// BroadcastPayload is the payload of a broadcast envelope.
type BroadcastPayload struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

// DirectPayload is the payload of a direct envelope. IsPrivate defaults to true.
type DirectPayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	SenderID    string `json:"senderId,omitempty"`
	IsPrivate   *bool  `json:"isPrivate,omitempty"`
}

// Private resolves the IsPrivate default.
func (p *DirectPayload) Private() bool {
	return p.IsPrivate == nil || *p.IsPrivate
}

// DelegatePayload is the payload of a delegate_request envelope.
type DelegatePayload struct {
	Content string `json:"content"`
}

// SubtaskResultPayload reports an agent's answer to a subtask.
type SubtaskResultPayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId,omitempty"`
	// Index selects the subtask when the agent holds several; omitted means
	// the agent's first unfinished one.
	Index  *int   `json:"index,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ParseEnvelope decodes raw into an Envelope. Unknown types are reported
// with ErrInvalidMessageType; anything undecodable with ErrMalformedEnvelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch env.Type {
	case InboundBroadcast, InboundDirect, InboundDelegateRequest, InboundSubtaskResult:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// EventType is the type of an outbound event.
type EventType string

// Outbound event types.
const (
	EventAgentMessage       EventType = "agent_message"
	EventDirectAgentMessage EventType = "direct_agent_message"
	EventNotification       EventType = "notification"
	EventError              EventType = "error"
)

// Event is the outbound frame pushed to a connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// MessageEvent wraps a ledgered message for delivery.
func MessageEvent(m *Message) Event {
	if m.Kind == KindDirect {
		return Event{Type: EventDirectAgentMessage, Data: m}
	}
	return Event{Type: EventAgentMessage, Data: m}
}

// NotificationKind distinguishes ephemeral session notifications.
type NotificationKind string

// Notification kinds.
const (
	NotifyConnected        NotificationKind = "connected"
	NotifyDisconnected     NotificationKind = "disconnected"
	NotifyParticipantAdded NotificationKind = "participant_added"
	NotifyDelegation       NotificationKind = "delegation"
	NotifySessionClosed    NotificationKind = "session_closed"
)

// Notification is an ephemeral, non-ledgered event.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"sessionId"`
	ClientID  string           `json:"clientId,omitempty"`
	Message   string           `json:"message"`
	TaskID    string           `json:"taskId,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent builds an error event for err.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Data: ErrorData{Code: CodeOf(err), Message: err.Error()}}
}
