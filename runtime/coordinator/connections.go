package coordinator

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/registry"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Connect registers t as clientID's connection to the session, replacing
// any previous one, and tells the session the client connected.
func (c *Coordinator) Connect(ctx context.Context, sessionID, clientID string, t registry.Transport) (*registry.Connection, error) {
	s, err := c.lock(sessionID)
	if err != nil {
		return nil, fail("Connect", err)
	}
	conn := c.registry.Register(sessionID, clientID, t)
	s.lastActivity = c.now().UTC()
	s.mu.Unlock()

	if c.inboundRate > 0 {
		c.limMu.Lock()
		c.limiters[conn.ID] = rate.NewLimiter(c.inboundRate, c.inboundBurst)
		c.limMu.Unlock()
	}

	c.bus.Notify(ctx, sessionID, types.Notification{
		Kind:     types.NotifyConnected,
		ClientID: clientID,
		Message:  "Client " + clientID + " connected",
	})
	return conn, nil
}

// Disconnect unregisters conn. A connection that was already replaced is
// ignored, so a stale reader never disconnects its successor.
func (c *Coordinator) Disconnect(ctx context.Context, conn *registry.Connection) {
	c.dropLimiter(conn.ID)
	if !c.registry.Unregister(conn.ID) {
		return
	}
	c.touch(conn.SessionID)
	c.notifyDisconnected(ctx, conn)
}

// connectionDropped runs after the registry removed a connection whose
// transport failed.
func (c *Coordinator) connectionDropped(conn *registry.Connection) {
	c.dropLimiter(conn.ID)
	c.notifyDisconnected(context.Background(), conn)
}

func (c *Coordinator) notifyDisconnected(ctx context.Context, conn *registry.Connection) {
	if _, err := c.lookup(conn.SessionID); err != nil {
		return
	}
	c.bus.Notify(ctx, conn.SessionID, types.Notification{
		Kind:     types.NotifyDisconnected,
		ClientID: conn.ClientID,
		Message:  "Client " + conn.ClientID + " disconnected",
	})
}

func (c *Coordinator) dropLimiter(connectionID string) {
	c.limMu.Lock()
	delete(c.limiters, connectionID)
	c.limMu.Unlock()
}

func (c *Coordinator) allow(connectionID string) bool {
	c.limMu.Lock()
	lim := c.limiters[connectionID]
	c.limMu.Unlock()
	return lim == nil || lim.Allow()
}

func (c *Coordinator) touch(sessionID string) {
	s, err := c.lock(sessionID)
	if err != nil {
		return
	}
	s.lastActivity = c.now().UTC()
	s.mu.Unlock()
}

// HandleFrame processes one frame read from conn. Failures are reported to
// that connection only, as an error event, and returned.
func (c *Coordinator) HandleFrame(ctx context.Context, conn *registry.Connection, raw []byte) error {
	ctx = logger.WithConnectionID(ctx, conn.ID)
	var err error
	if !c.allow(conn.ID) {
		err = fail("HandleInbound", types.ErrRateLimited)
		c.emitter.ForSession(conn.SessionID).InboundRejected(conn.ClientID, types.CodeOf(err))
	} else {
		err = c.HandleInbound(ctx, conn.SessionID, conn.ClientID, raw)
	}
	if err != nil {
		if sendErr := c.bus.SendError(conn, err); sendErr != nil {
			logger.DebugContext(ctx, "error event not delivered", "error", sendErr)
		}
	}
	return err
}
