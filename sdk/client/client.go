// Package client is a Go client for a collaboration server. It keeps one
// WebSocket open per (session, client), reconnects with backoff, and merges
// pushed messages with polled history so handlers see each stream exactly
// once and in sequence order, even across reconnects.
//
//	c, err := client.New("http://localhost:8080", "s1", "user",
//	    client.WithMessageHandler(func(m types.Message) { fmt.Println(m.Content) }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go c.Run(ctx)
//	_ = c.Broadcast(ctx, "hello team")
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AltairaLabs/CollabKit/pkg/httputil"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/transport"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// ProtocolVersion is sent in the X-Collab-Protocol handshake header.
const ProtocolVersion = "1.0.0"

const (
	protocolHeader = "X-Collab-Protocol"
	pollPageSize   = 200
)

// ErrNotConnected is returned by senders while no socket is open.
var ErrNotConnected = errors.New("client is not connected")

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the client used for REST polls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTransportConfig sets dial, retry and keepalive parameters. URL and
// Headers are filled in by the client.
func WithTransportConfig(cfg transport.Config) Option {
	return func(c *Client) { c.transportCfg = cfg }
}

// WithMessageHandler receives broadcast and direct messages in order.
func WithMessageHandler(fn func(types.Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// WithNotificationHandler receives session notifications.
func WithNotificationHandler(fn func(types.Notification)) Option {
	return func(c *Client) { c.onNotification = fn }
}

// WithErrorHandler receives error events for frames this client sent.
func WithErrorHandler(fn func(types.ErrorData)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithReconnectDelay sets the pause between a dropped socket and the next
// dial attempt. Default 500ms.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// Client is one participant's connection to a session.
type Client struct {
	baseURL   *url.URL
	sessionID string
	clientID  string

	http           *http.Client
	transportCfg   transport.Config
	reconnectDelay time.Duration

	onMessage      func(types.Message)
	onNotification func(types.Notification)
	onError        func(types.ErrorData)

	broadcast *ledger.Reconciler
	direct    *ledger.Reconciler

	// syncMu serializes reconciliation so handlers are never called
	// concurrently. It is never held across a poll.
	syncMu sync.Mutex
	polls  sync.WaitGroup

	mu        sync.Mutex
	conn      *transport.Conn
	connected chan struct{}
}

// New creates a client for baseURL (http or https).
func New(baseURL, sessionID, clientID string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if sessionID == "" || clientID == "" {
		return nil, errors.New("session id and client id are required")
	}
	c := &Client{
		baseURL:        u,
		sessionID:      sessionID,
		clientID:       clientID,
		http:           httputil.NewHTTPClient(httputil.DefaultPollTimeout),
		reconnectDelay: 500 * time.Millisecond,
		broadcast:      ledger.NewReconciler(),
		direct:         ledger.NewReconciler(),
		connected:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws/" + c.sessionID + "/" + c.clientID
	return u.String()
}

// Run connects and processes frames until ctx is done, reconnecting after
// every drop. Once the server confirms the connection it polls the ledgers,
// so messages published while disconnected are delivered before new pushes.
func (c *Client) Run(ctx context.Context) error {
	cfg := c.transportCfg
	cfg.URL = c.wsURL()
	cfg.Headers = http.Header{protocolHeader: []string{ProtocolVersion}}
	ctx = logger.WithLoggingContext(ctx, &logger.LoggingFields{SessionID: c.sessionID, ClientID: c.clientID})
	defer c.polls.Wait()

	for {
		conn, err := transport.DialWithRetry(ctx, cfg)
		if err != nil {
			return err
		}
		c.setConn(conn)

		err = conn.ReceiveLoop(ctx, func(raw []byte) error {
			c.handleFrame(ctx, raw)
			return nil
		})
		c.clearConn(conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.InfoContext(ctx, "connection lost, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) setConn(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// registered runs when the server confirms this client's connection. Every
// message published from here on is pushed, so one poll closes the window
// since the last delivered sequence. The poll runs beside the read loop so
// pushes keep flowing while it is in flight.
func (c *Client) registered(ctx context.Context) {
	c.mu.Lock()
	ready := c.connected
	c.mu.Unlock()

	c.polls.Add(1)
	go func() {
		defer c.polls.Done()
		if err := c.Sync(ctx); err != nil {
			logger.WarnContext(ctx, "catch-up poll failed", "error", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-ready:
		default:
			close(ready)
		}
	}()
}

func (c *Client) clearConn(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.connected = make(chan struct{})
	}
}

// WaitConnected blocks until the server has registered this client and the
// catch-up poll ran, or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the current socket. Run reconnects unless its context is done.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

type frame struct {
	Type types.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.WarnContext(ctx, "undecodable frame", "error", err)
		return
	}
	switch f.Type {
	case types.EventAgentMessage, types.EventDirectAgentMessage:
		var m types.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			logger.WarnContext(ctx, "undecodable message", "error", err)
			return
		}
		c.acceptPushed(ctx, m)
	case types.EventNotification:
		var n types.Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return
		}
		if n.Kind == types.NotifyConnected && n.ClientID == c.clientID {
			c.registered(ctx)
		}
		if c.onNotification != nil {
			c.onNotification(n)
		}
	case types.EventError:
		var e types.ErrorData
		if err := json.Unmarshal(f.Data, &e); err == nil && c.onError != nil {
			c.onError(e)
		}
	}
}

func (c *Client) reconciler(kind types.MessageKind) *ledger.Reconciler {
	if kind == types.KindDirect {
		return c.direct
	}
	return c.broadcast
}

// acceptPushed feeds a pushed message through its reconciler. A gap means
// something was missed or hidden, so the stream is polled to close it.
func (c *Client) acceptPushed(ctx context.Context, m types.Message) {
	c.syncMu.Lock()
	r := c.reconciler(m.Kind)
	c.deliver(r.Accept(m))
	gap := r.HasGap()
	c.syncMu.Unlock()

	if gap {
		if err := c.syncKind(ctx, m.Kind); err != nil {
			logger.WarnContext(ctx, "gap poll failed", "kind", m.Kind, "error", err)
		}
	}
}

func (c *Client) deliver(msgs []types.Message) {
	if c.onMessage == nil {
		return
	}
	for _, m := range msgs {
		c.onMessage(m)
	}
}

// Sync polls both streams from the last delivered sequence and delivers
// anything new.
func (c *Client) Sync(ctx context.Context) error {
	return errors.Join(c.syncKind(ctx, types.KindBroadcast), c.syncKind(ctx, types.KindDirect))
}

// syncKind polls without holding syncMu; the reconciler drops whatever a
// concurrent push already delivered.
func (c *Client) syncKind(ctx context.Context, kind types.MessageKind) error {
	r := c.reconciler(kind)
	for {
		page, err := c.poll(ctx, kind, r.LastSeq(), pollPageSize)
		if err != nil {
			return err
		}
		c.syncMu.Lock()
		c.deliver(r.Accept(page.Messages...))
		c.deliver(r.AdvanceTo(page.Cursor))
		c.syncMu.Unlock()
		if !page.More {
			return nil
		}
	}
}

// LastSeq returns the highest contiguous sequence delivered for kind.
func (c *Client) LastSeq(kind types.MessageKind) int64 {
	return c.reconciler(kind).LastSeq()
}
