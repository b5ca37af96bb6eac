package collabserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"

	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

var errUnsupportedProtocol = errors.New("unsupported protocol version")

// checkProtocol validates the optional protocol header. A missing header is
// accepted.
func (s *Server) checkProtocol(r *http.Request) error {
	raw := r.Header.Get(ProtocolHeader)
	if raw == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", errUnsupportedProtocol, raw)
	}
	if !s.constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", errUnsupportedProtocol, v, s.constraint)
	}
	return nil
}

// handleWebSocket upgrades the request, registers the connection and feeds
// every inbound frame to the coordinator until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	clientID := r.PathValue("clientId")

	if err := s.checkProtocol(r); err != nil {
		writeErrorCode(w, http.StatusUpgradeRequired, "unsupported_protocol", err)
		return
	}
	// Reject before the upgrade so plain HTTP clients get a JSON 404.
	if _, err := s.coord.Session(sessionID); err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		logger.Warn("websocket upgrade failed", "session_id", sessionID, "client_id", clientID, "error", err)
		return
	}

	s.sockets.Add(1)
	defer s.sockets.Done()

	ctx := logger.WithLoggingContext(s.baseCtx, &logger.LoggingFields{
		SessionID: sessionID,
		ClientID:  clientID,
	})
	conn, err := s.coord.Connect(ctx, sessionID, clientID, ws)
	if err != nil {
		// session closed between the check and the upgrade
		_ = ws.Send(types.ErrorEvent(err))
		_ = ws.Close()
		return
	}
	ctx = logger.WithConnectionID(ctx, conn.ID)
	logger.InfoContext(ctx, "client connected", "remote_addr", ws.RemoteAddr())

	err = ws.ReceiveLoop(ctx, func(raw []byte) error {
		// failures go back to the sender as error events; the socket stays open
		_ = s.coord.HandleFrame(ctx, conn, raw)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.DebugContext(ctx, "websocket read ended", "error", err)
	}

	s.coord.Disconnect(context.WithoutCancel(ctx), conn)
	_ = conn.Close()
	logger.InfoContext(ctx, "client disconnected")
}
