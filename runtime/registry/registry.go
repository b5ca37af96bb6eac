// Package registry tracks the live client connections of every session.
// There is at most one connection per (session, client); registering a
// client again replaces its previous connection.
package registry

import (
	"sort"
	"sync"

	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
)

// DefaultQueueSize is the outbound frame buffer per connection.
const DefaultQueueSize = 256

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-connection outbound buffer.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithEmitter publishes registration events.
func WithEmitter(em *events.Emitter) Option {
	return func(r *Registry) {
		r.emitter = em
	}
}

// WithUnregisterHook is called after a connection leaves the registry
// through a write failure. Explicit Unregister calls do not trigger it.
func WithUnregisterHook(fn func(*Connection)) Option {
	return func(r *Registry) {
		r.onDrop = fn
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	// registerMu serializes Register so a replaced connection is fully
	// closed before its successor becomes visible.
	registerMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]map[string]*Connection
	byID     map[string]*Connection

	queueSize int
	emitter   *events.Emitter
	onDrop    func(*Connection)
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]map[string]*Connection),
		byID:      make(map[string]*Connection),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register admits t as the connection of clientID in sessionID. An existing
// connection for the same pair is removed and closed first.
func (r *Registry) Register(sessionID, clientID string, t Transport) *Connection {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	r.mu.Lock()
	old := r.sessions[sessionID][clientID]
	if old != nil {
		r.removeLocked(old)
	}
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.Debug("closing replaced connection", "connection_id", old.ID, "error", err)
		}
		r.emitter.ForSession(sessionID).ConnectionUnregistered(clientID, old.ID)
	}

	conn := newConnection(sessionID, clientID, t, r.queueSize, r.dropAfterWriteError)

	r.mu.Lock()
	clients := r.sessions[sessionID]
	if clients == nil {
		clients = make(map[string]*Connection)
		r.sessions[sessionID] = clients
	}
	clients[clientID] = conn
	r.byID[conn.ID] = conn
	r.mu.Unlock()

	r.emitter.ForSession(sessionID).ConnectionRegistered(clientID, conn.ID, old != nil)
	logger.Info("connection registered",
		"session_id", sessionID, "client_id", clientID, "connection_id", conn.ID, "replaced", old != nil)
	return conn
}

// Unregister removes and closes the connection with connectionID. Stale ids,
// such as that of a connection already replaced, are ignored. It reports
// whether a connection was removed.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	conn := r.byID[connectionID]
	if conn != nil {
		r.removeLocked(conn)
	}
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	_ = conn.Close()
	r.emitter.ForSession(conn.SessionID).ConnectionUnregistered(conn.ClientID, conn.ID)
	logger.Info("connection unregistered",
		"session_id", conn.SessionID, "client_id", conn.ClientID, "connection_id", conn.ID)
	return true
}

// UnregisterSession removes and closes every connection of sessionID and
// returns how many there were.
func (r *Registry) UnregisterSession(sessionID string) int {
	r.mu.Lock()
	clients := r.sessions[sessionID]
	conns := make([]*Connection, 0, len(clients))
	for _, c := range clients {
		conns = append(conns, c)
		delete(r.byID, c.ID)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
		r.emitter.ForSession(sessionID).ConnectionUnregistered(c.ClientID, c.ID)
	}
	return len(conns)
}

// ListActive returns a snapshot of the live connections of sessionID,
// ordered by client id.
func (r *Registry) ListActive(sessionID string) []*Connection {
	r.mu.RLock()
	clients := r.sessions[sessionID]
	out := make([]*Connection, 0, len(clients))
	for _, c := range clients {
		if c.Alive() {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Get returns the connection of clientID in sessionID.
func (r *Registry) Get(sessionID, clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[sessionID][clientID]
	return c, ok
}

// Count returns the number of registered connections in sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Total returns the number of registered connections across sessions.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.byID, c.ID)
	if clients := r.sessions[c.SessionID]; clients != nil && clients[c.ClientID] == c {
		delete(clients, c.ClientID)
		if len(clients) == 0 {
			delete(r.sessions, c.SessionID)
		}
	}
}

func (r *Registry) dropAfterWriteError(c *Connection, _ error) {
	if r.Unregister(c.ID) && r.onDrop != nil {
		r.onDrop(c)
	}
}
