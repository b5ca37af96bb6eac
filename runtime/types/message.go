package types

import "time"

// MessageKind identifies which ledger stream a message belongs to.
type MessageKind string

// Message kinds.
const (
	KindBroadcast MessageKind = "broadcast"
	KindDirect    MessageKind = "direct"
)

// SystemSenderID is the sender used when a session has no manager agent.
const SystemSenderID = "system"

// Message is a ledgered chat message. Seq is assigned by the ledger on append
// and is unique, increasing and gap-free within (session, kind). A message is
// never modified once appended.
type Message struct {
	Seq         int64       `json:"seq"`
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Kind        MessageKind `json:"kind"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	RecipientID string      `json:"recipientId,omitempty"`
	Content     string      `json:"content"`
	IsPrivate   bool        `json:"isPrivate,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
	Delegation  *Delegation `json:"delegation,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Delegation summarizes a finished task on its aggregate message.
type Delegation struct {
	TaskID   string           `json:"taskId"`
	Outcomes []SubtaskOutcome `json:"outcomes"`
}

// SubtaskOutcome is one subtask's result as reported in an aggregate.
type SubtaskOutcome struct {
	AgentID   string        `json:"agentId"`
	AgentName string        `json:"agentName"`
	Status    SubtaskStatus `json:"status"`
}

// VisibleTo reports whether client may see m. Broadcasts and public direct
// messages are visible to everyone in the session. Private direct messages
// are visible to sender, recipient and the session observer.
func (m *Message) VisibleTo(clientID, observerID string) bool {
	if m.Kind != KindDirect || !m.IsPrivate {
		return true
	}
	return clientID == m.SenderID || clientID == m.RecipientID || (observerID != "" && clientID == observerID)
}

// VisibilityScope says who receives a published message.
type VisibilityScope int

// Visibility scopes.
const (
	ScopeBroadcast VisibilityScope = iota
	ScopeDirectPrivate
	ScopeDirectPublic
)

// String returns the metric label for s.
func (s VisibilityScope) String() string {
	switch s {
	case ScopeBroadcast:
		return "broadcast"
	case ScopeDirectPrivate:
		return "direct_private"
	case ScopeDirectPublic:
		return "direct_public"
	default:
		return "unknown"
	}
}

// Visibility pairs a scope with the sender and recipient of a direct message.
type Visibility struct {
	Scope     VisibilityScope
	Sender    string
	Recipient string
}

// Broadcast returns broadcast visibility.
func Broadcast() Visibility { return Visibility{Scope: ScopeBroadcast} }

// DirectPrivate returns visibility restricted to sender, recipient and the observer.
func DirectPrivate(sender, recipient string) Visibility {
	return Visibility{Scope: ScopeDirectPrivate, Sender: sender, Recipient: recipient}
}

// DirectPublic returns visibility for a direct message everyone may see.
func DirectPublic(sender, recipient string) Visibility {
	return Visibility{Scope: ScopeDirectPublic, Sender: sender, Recipient: recipient}
}

// Kind returns the ledger stream for v.
func (v Visibility) Kind() MessageKind {
	if v.Scope == ScopeBroadcast {
		return KindBroadcast
	}
	return KindDirect
}
