package coordinator

import (
	"context"

	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// PollRequest selects messages after Since for ClientID. AgentID and Role
// narrow a direct-message poll to one agent's side of the conversation.
type PollRequest struct {
	Since    int64
	Limit    int
	ClientID string
	AgentID  string
	Role     ledger.AgentRole
}

// DirectMessagesSince returns the direct messages after req.Since that
// req.ClientID may see. Private messages between other participants are
// skipped but still advance the page cursor.
func (c *Coordinator) DirectMessagesSince(ctx context.Context, sessionID string, req PollRequest) (ledger.Page, error) {
	return c.poll(ctx, "DirectMessagesSince", types.KindDirect, sessionID, req)
}

// MessagesSince returns broadcast messages after req.Since.
func (c *Coordinator) MessagesSince(ctx context.Context, sessionID string, req PollRequest) (ledger.Page, error) {
	return c.poll(ctx, "MessagesSince", types.KindBroadcast, sessionID, req)
}

func (c *Coordinator) poll(ctx context.Context, op string, kind types.MessageKind, sessionID string, req PollRequest) (ledger.Page, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return ledger.Page{}, fail(op, err)
	}
	keep := func(m *types.Message) bool {
		if !m.VisibleTo(req.ClientID, s.owner) {
			return false
		}
		if req.AgentID == "" {
			return true
		}
		return ledger.MatchesAgent(m, req.AgentID, req.Role)
	}
	page, err := ledger.Poll(ctx, c.bus.Ledger(kind), sessionID, req.Since, req.Limit, keep)
	if err != nil {
		return ledger.Page{}, fail(op, err)
	}
	return page, nil
}

// Tasks lists the session's delegation tasks, oldest first.
func (c *Coordinator) Tasks(sessionID string) ([]*types.DelegationTask, error) {
	if _, err := c.lookup(sessionID); err != nil {
		return nil, fail("Tasks", err)
	}
	return c.engine.Tasks(sessionID), nil
}

// Task returns one delegation task.
func (c *Coordinator) Task(taskID string) (*types.DelegationTask, error) {
	t, err := c.engine.Task(taskID)
	if err != nil {
		return nil, fail("Task", err)
	}
	return t, nil
}
