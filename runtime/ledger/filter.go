package ledger

import "github.com/AltairaLabs/CollabKit/runtime/types"

// FilterVisible drops messages clientID may not see. observerID is the
// session's designated observer.
func FilterVisible(msgs []types.Message, clientID, observerID string) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].VisibleTo(clientID, observerID) {
			out = append(out, msgs[i])
		}
	}
	return out
}

// AgentRole selects which side of a direct message an agent must be on.
type AgentRole string

// Agent roles for ByAgent.
const (
	AsSender    AgentRole = "sender"
	AsRecipient AgentRole = "recipient"
	AsEither    AgentRole = ""
)

// ByAgent keeps messages sent or received by agentID.
func ByAgent(msgs []types.Message, agentID string, role AgentRole) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for i := range msgs {
		if MatchesAgent(&msgs[i], agentID, role) {
			out = append(out, msgs[i])
		}
	}
	return out
}

// MatchesAgent reports whether agentID is on the role side of m.
func MatchesAgent(m *types.Message, agentID string, role AgentRole) bool {
	sent := m.SenderID == agentID
	received := m.RecipientID == agentID
	switch role {
	case AsSender:
		return sent
	case AsRecipient:
		return received
	case AsEither:
		return sent || received
	}
	return false
}
