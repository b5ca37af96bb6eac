package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/AltairaLabs/CollabKit/runtime/delegation"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// HandleInbound classifies raw by its declared type and routes it:
// broadcast and direct chat go to the bus, delegate_request starts a
// delegation task and subtask_result completes one subtask.
func (c *Coordinator) HandleInbound(ctx context.Context, sessionID, clientID string, raw []byte) error {
	const op = "HandleInbound"
	ctx = logger.WithClientID(logger.WithSessionID(ctx, sessionID), clientID)

	err := c.handleInbound(ctx, sessionID, clientID, raw)
	if err != nil {
		code := types.CodeOf(err)
		logger.WarnContext(ctx, "inbound rejected", "code", code, "error", err)
		c.emitter.ForSession(sessionID).InboundRejected(clientID, code)
		return fail(op, err)
	}
	return nil
}

func (c *Coordinator) handleInbound(ctx context.Context, sessionID, clientID string, raw []byte) error {
	s, err := c.lock(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	env, err := types.ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if env.SessionID != "" && env.SessionID != sessionID {
		return fmt.Errorf("%w: envelope session %q does not match %q", types.ErrMalformedEnvelope, env.SessionID, sessionID)
	}
	if env.ClientID != "" && env.ClientID != clientID {
		return fmt.Errorf("%w: envelope client %q does not match %q", types.ErrMalformedEnvelope, env.ClientID, clientID)
	}
	s.lastActivity = c.now().UTC()

	switch env.Type {
	case types.InboundBroadcast:
		return c.handleBroadcast(ctx, s, clientID, env)
	case types.InboundDirect:
		return c.handleDirect(ctx, s, clientID, env)
	case types.InboundDelegateRequest:
		return c.handleDelegate(ctx, s, clientID, env)
	case types.InboundSubtaskResult:
		return c.handleSubtaskResult(ctx, s, clientID, env)
	}
	return fmt.Errorf("%w: %q", types.ErrInvalidMessageType, env.Type)
}

// resolveSender picks the sender id of a chat message. An explicit id must
// be a session agent, the owner, or the connection's own client id.
func resolveSender(s *session, clientID, requested string) (string, error) {
	if requested == "" {
		requested = clientID
	}
	if requested == "" {
		return "", fmt.Errorf("%w: message has no sender", types.ErrMalformedEnvelope)
	}
	if requested != clientID && requested != s.owner && s.agent(requested) == nil {
		return "", fmt.Errorf("%w: %s", types.ErrSenderNotInSession, requested)
	}
	return requested, nil
}

// senderName resolves a display name for a sender id.
func senderName(s *session, senderID string) string {
	if a := s.agent(senderID); a != nil {
		return a.DisplayName()
	}
	return senderID
}

func (c *Coordinator) handleBroadcast(ctx context.Context, s *session, clientID string, env *types.Envelope) error {
	var p types.BroadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: broadcast content is empty", types.ErrMalformedEnvelope)
	}
	sender, err := resolveSender(s, clientID, p.SenderID)
	if err != nil {
		return err
	}
	_, _, err = c.bus.Publish(ctx, s.id, types.Message{
		SenderID:   sender,
		SenderName: senderName(s, sender),
		Content:    p.Content,
	}, types.Broadcast())
	return err
}

func (c *Coordinator) handleDirect(ctx context.Context, s *session, clientID string, env *types.Envelope) error {
	var p types.DirectPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if p.RecipientID == "" {
		return fmt.Errorf("%w: direct message has no recipientId", types.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: direct content is empty", types.ErrMalformedEnvelope)
	}
	if s.agent(p.RecipientID) == nil && p.RecipientID != s.owner {
		return fmt.Errorf("%w: %s", types.ErrRecipientNotInSession, p.RecipientID)
	}
	sender, err := resolveSender(s, clientID, p.SenderID)
	if err != nil {
		return err
	}
	vis := types.DirectPublic(sender, p.RecipientID)
	if p.Private() {
		vis = types.DirectPrivate(sender, p.RecipientID)
	}
	_, _, err = c.bus.Publish(ctx, s.id, types.Message{
		SenderName: senderName(s, sender),
		Content:    p.Content,
	}, vis)
	return err
}

func (c *Coordinator) handleDelegate(ctx context.Context, s *session, clientID string, env *types.Envelope) error {
	var p types.DelegatePayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: delegate_request content is empty", types.ErrMalformedEnvelope)
	}
	_, err := c.engine.Submit(ctx, s.view(), p.Content, clientID)
	return err
}

func (c *Coordinator) handleSubtaskResult(ctx context.Context, s *session, clientID string, env *types.Envelope) error {
	var p types.SubtaskResultPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return fmt.Errorf("%w: subtask_result has no taskId", types.ErrMalformedEnvelope)
	}
	// only the owner may answer on behalf of another agent
	agentID := p.AgentID
	switch {
	case agentID == "":
		agentID = clientID
	case agentID != clientID && clientID != s.owner:
		return fmt.Errorf("%w: client %s cannot answer for agent %s", types.ErrIdentityMismatch, clientID, agentID)
	}
	return c.engine.CompleteSubtask(ctx, s.id, delegation.Result{
		TaskID:  p.TaskID,
		AgentID: agentID,
		Index:   p.Index,
		Output:  p.Result,
		Error:   p.Error,
	})
}
