// Package transport wraps gorilla/websocket connections for the collaboration
// server and its clients. It owns the transport-level concerns (upgrade, dial
// with retry, serialized writes with deadlines, ping/pong keepalive, graceful
// close) and leaves framing of envelopes and events to the caller.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/CollabKit/runtime/logger"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultPingInterval     = (DefaultPongWait * 9) / 10
	DefaultMaxMessageSize   = 1 << 20
	DefaultMaxRetries       = 5
	DefaultRetryBackoffBase = 500 * time.Millisecond
	DefaultRetryBackoffMax  = 30 * time.Second
	DefaultCloseGracePeriod = 2 * time.Second
)

// jitterFactor is the +-25% jitter applied to backoff delays.
const jitterFactor = 0.25

// jitterPrecision is the granularity for crypto/rand jitter generation.
const jitterPrecision = 1000

// ErrNotConnected is returned by I/O on a closed or never-opened Conn.
var ErrNotConnected = errors.New("websocket is not connected")

// Config configures a Conn. Zero values take the defaults above.
type Config struct {
	// URL is the endpoint for client connections. Unused on the server side.
	URL string

	// Headers are sent during the client handshake.
	Headers http.Header

	DialTimeout      time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	CloseGracePeriod time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout == 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteWait == 0 {
		out.WriteWait = DefaultWriteWait
	}
	if out.PongWait == 0 {
		out.PongWait = DefaultPongWait
	}
	if out.PingInterval == 0 {
		out.PingInterval = (out.PongWait * 9) / 10
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.RetryBackoffBase == 0 {
		out.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if out.RetryBackoffMax == 0 {
		out.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if out.CloseGracePeriod == 0 {
		out.CloseGracePeriod = DefaultCloseGracePeriod
	}
	return out
}

// Conn is a WebSocket connection with serialized writes, keepalive and an
// idempotent graceful Close. Send may be called from any goroutine; reads
// must come from a single goroutine.
type Conn struct {
	cfg Config

	conn      *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	ws.SetReadLimit(cfg.MaxMessageSize)
	c := &Conn{cfg: cfg, conn: ws, closeCh: make(chan struct{})}
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	return c
}

// Upgrader builds the server-side handshake.
type Upgrader struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewUpgrader creates an Upgrader. checkOrigin may be nil to accept every origin.
func NewUpgrader(cfg Config, checkOrigin func(*http.Request) bool) *Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	full := cfg.withDefaults()
	return &Upgrader{
		cfg: full,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: full.DialTimeout,
			CheckOrigin:      checkOrigin,
		},
	}
}

// Upgrade completes the handshake and starts the keepalive pinger.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, header http.Header) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	c := newConn(ws, u.cfg)
	go c.heartbeatLoop()
	return c, nil
}

// Dial opens a client connection to cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	full := cfg.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: full.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	logger.DebugContext(ctx, "connecting to websocket", "url", full.URL)
	ws, resp, err := dialer.DialContext(ctx, full.URL, full.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := newConn(ws, full)
	go c.heartbeatLoop()
	return c, nil
}

// DialWithRetry calls Dial with exponential backoff and jitter.
func DialWithRetry(ctx context.Context, cfg Config) (*Conn, error) {
	full := cfg.withDefaults()
	var lastErr error
	backoff := full.RetryBackoffBase

	for attempt := 1; attempt <= full.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := Dial(ctx, full)
		if err == nil {
			return c, nil
		}
		lastErr = err
		logger.WarnContext(ctx, "connection attempt failed",
			"attempt", attempt, "max_attempts", full.MaxRetries, "error", err)

		if attempt < full.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(Backoff(backoff, full.RetryBackoffMax)):
			}
			backoff = min(backoff*2, full.RetryBackoffMax)
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", full.MaxRetries, lastErr)
}

// Send JSON-encodes v and writes it as one text frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame.
func (c *Conn) SendRaw(data []byte) error {
	return c.write(websocket.TextMessage, data, c.cfg.WriteWait)
}

func (c *Conn) write(messageType int, data []byte, wait time.Duration) error {
	if c.IsClosed() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive reads one text or binary frame.
func (c *Conn) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrNotConnected
	}
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected message type: %d", msgType)
	}
	return data, nil
}

// ReceiveLoop calls handle for every frame until the peer closes, a read
// fails, handle returns an error, or ctx is done. A normal close from either
// side returns nil.
func (c *Conn) ReceiveLoop(ctx context.Context, handle func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		data, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsNormalClose(err) || c.IsClosed() {
				return nil
			}
			return err
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// IsNormalClose reports whether err is a normal or going-away close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil, c.cfg.WriteWait); err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)

		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CloseGracePeriod))
		_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Backoff returns base with +-25% crypto/rand jitter, capped at maxDelay.
func Backoff(base, maxDelay time.Duration) time.Duration {
	jitter := 0.0
	if n, err := rand.Int(rand.Reader, big.NewInt(jitterPrecision)); err == nil {
		// map [0, precision) to [-1, 1)
		jitter = (float64(n.Int64())/float64(jitterPrecision))*2 - 1
	}
	delay := time.Duration(float64(base) * (1 + jitter*jitterFactor))
	return time.Duration(math.Min(float64(delay), float64(maxDelay)))
}
