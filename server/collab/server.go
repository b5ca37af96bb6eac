// Package collabserver exposes a coordinator over HTTP: the per-client
// WebSocket endpoint, the session REST API and the ledger poll endpoints.
package collabserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AltairaLabs/CollabKit/runtime/coordinator"
	"github.com/AltairaLabs/CollabKit/runtime/transport"
)

const (
	// ProtocolHeader carries the client's protocol version on the WebSocket handshake.
	ProtocolHeader = "X-Collab-Protocol"

	// DefaultProtocolConstraint accepts every 1.x client.
	DefaultProtocolConstraint = ">= 1.0.0, < 2.0.0"

	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout bounds reading a REST request, including the body.
	defaultReadTimeout = 30 * time.Second

	// defaultIdleTimeout is the keep-alive idle limit.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxBodySize caps REST request bodies (1 MB).
	defaultMaxBodySize int64 = 1 << 20

	// defaultPollLimit is used when a poll request has no limit.
	defaultPollLimit = 100

	// maxPollLimit caps the limit query parameter.
	maxPollLimit = 1000
)

// Option configures a [Server].
type Option func(*Server)

// WithAddr sets the listen address for ListenAndServe. Default ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithProtocolConstraint sets the semver constraint for the X-Collab-Protocol header.
func WithProtocolConstraint(c string) Option {
	return func(s *Server) { s.constraintRaw = c }
}

// WithTransportConfig sets keepalive and size limits for WebSocket connections.
func WithTransportConfig(cfg transport.Config) Option {
	return func(s *Server) { s.transportCfg = cfg }
}

// WithAllowedOrigins restricts WebSocket handshakes to the given origins.
// No origins means every origin is accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMetricsHandler mounts h at path, typically the Prometheus exporter.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithMaxBodySize sets the maximum REST request body size in bytes.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// Server serves one coordinator.
type Server struct {
	coord *coordinator.Coordinator

	addr           string
	constraintRaw  string
	constraint     *semver.Constraints
	transportCfg   transport.Config
	upgrader       *transport.Upgrader
	origins        []string
	metricsPath    string
	metricsHandler http.Handler
	maxBodySize    int64

	// baseCtx parents every WebSocket read loop; Shutdown cancels it.
	baseCtx context.Context //nolint:containedctx // lifetime of live sockets
	cancel  context.CancelFunc
	sockets sync.WaitGroup

	httpSrv   *http.Server
	httpSrvMu sync.Mutex
}

// NewServer creates a server for coord. It fails only on an invalid
// protocol constraint.
func NewServer(coord *coordinator.Coordinator, opts ...Option) (*Server, error) {
	s := &Server{
		coord:         coord,
		addr:          ":8080",
		constraintRaw: DefaultProtocolConstraint,
		maxBodySize:   defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	c, err := semver.NewConstraint(s.constraintRaw)
	if err != nil {
		return nil, fmt.Errorf("protocol constraint %q: %w", s.constraintRaw, err)
	}
	s.constraint = c
	s.upgrader = transport.NewUpgrader(s.transportCfg, s.checkOrigin)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{sessionId}/{clientId}", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleOpenSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionId}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.handleCloseSession)
	mux.HandleFunc("POST /sessions/{sessionId}/participants", s.handleAddParticipant)
	mux.HandleFunc("GET /sessions/{sessionId}/direct-messages", s.handleDirectMessages)
	mux.HandleFunc("GET /sessions/{sessionId}/messages", s.handleMessages)
	mux.HandleFunc("GET /sessions/{sessionId}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{taskId}", s.handleGetTask)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
	return otelhttp.NewHandler(mux, "collab-server")
}

func (s *Server) newHTTPServer() *http.Server {
	// No WriteTimeout: it would apply to hijacked WebSocket connections.
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	srv := s.newHTTPServer()
	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()
	return srv.ListenAndServe()
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer()
	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()
	return srv.Serve(ln)
}

// Shutdown drains REST requests, then closes every WebSocket and waits for
// their read loops to exit. It does not shut the coordinator down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
