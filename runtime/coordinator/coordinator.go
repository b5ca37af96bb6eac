// Package coordinator is the facade of the collaboration runtime. It owns
// session lifecycle, classifies inbound envelopes and wires the connection
// registry, the message bus and the delegation engine together.
//
// Every mutation of one session is serialized by that session's mutex;
// different sessions proceed in parallel. Errors returned from exported
// methods are *errors.ContextualError values carrying the wire code and HTTP
// status of the underlying sentinel.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	pkgerrors "github.com/AltairaLabs/CollabKit/pkg/errors"
	"github.com/AltairaLabs/CollabKit/runtime/bus"
	"github.com/AltairaLabs/CollabKit/runtime/delegation"
	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/registry"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

const component = "coordinator"

// Defaults.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultTaskRetention = time.Hour
)

// Session is a snapshot of a collaboration session.
type Session struct {
	ID            string              `json:"id"`
	OwnerClientID string              `json:"ownerClientId"`
	Participants  []types.Participant `json:"participants"`
	Connected     []string            `json:"connected"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastActivity  time.Time           `json:"lastActivity"`
}

// Manager returns the manager agent, or nil.
func (s *Session) Manager() *types.Agent {
	for _, p := range s.Participants {
		if p.IsManager {
			return p.Agent
		}
	}
	return nil
}

// OpenRequest describes a session to open. An empty ID is generated.
type OpenRequest struct {
	ID            string              `json:"id,omitempty"`
	OwnerClientID string              `json:"ownerClientId"`
	Participants  []types.Participant `json:"participants"`
}

type session struct {
	mu           sync.Mutex
	id           string
	owner        string
	participants []types.Participant
	createdAt    time.Time
	lastActivity time.Time
	closed       bool
}

func (s *session) agent(id string) *types.Agent {
	for _, p := range s.participants {
		if p.Agent.ID == id {
			return p.Agent
		}
	}
	return nil
}

func (s *session) view() delegation.SessionView {
	return delegation.SessionView{
		ID:           s.id,
		Participants: append([]types.Participant(nil), s.participants...),
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEmitter publishes lifecycle events for every component.
func WithEmitter(em *events.Emitter) Option {
	return func(c *Coordinator) { c.emitter = em }
}

// WithIdleTimeout sets how long a session without connections or activity
// survives. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.idleTimeout = d }
}

// WithTaskRetention sets how long finished delegation tasks are kept.
func WithTaskRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.taskRetention = d }
}

// WithQueueSize sets the outbound buffer of every connection.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) { c.queueSize = n }
}

// WithInboundRate limits inbound frames per connection. A zero limit
// disables rate limiting.
func WithInboundRate(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		c.inboundRate = limit
		c.inboundBurst = burst
	}
}

// WithDelegation passes options through to the delegation engine.
func WithDelegation(opts ...delegation.Option) Option {
	return func(c *Coordinator) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	registry *registry.Registry
	bus      *bus.Bus
	engine   *delegation.Engine

	emitter       *events.Emitter
	idleTimeout   time.Duration
	taskRetention time.Duration
	queueSize     int
	inboundRate   rate.Limit
	inboundBurst  int
	engineOpts    []delegation.Option
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Coordinator storing messages in the broadcast and direct
// ledger streams.
func New(broadcast, direct ledger.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		idleTimeout:   DefaultIdleTimeout,
		taskRetention: DefaultTaskRetention,
		queueSize:     registry.DefaultQueueSize,
		now:           time.Now,
		sessions:      make(map[string]*session),
		limiters:      make(map[string]*rate.Limiter),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = registry.New(
		registry.WithQueueSize(c.queueSize),
		registry.WithEmitter(c.emitter),
		registry.WithUnregisterHook(c.connectionDropped),
	)
	c.bus = bus.New(c.registry, broadcast, direct,
		bus.WithObserver(c.observer),
		bus.WithEmitter(c.emitter),
		bus.WithClock(c.now),
	)
	engineOpts := append([]delegation.Option{delegation.WithEmitter(c.emitter)}, c.engineOpts...)
	c.engine = delegation.NewEngine(c.bus, engineOpts...)
	return c
}

// Registry returns the connection registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Bus returns the message bus.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Engine returns the delegation engine.
func (c *Coordinator) Engine() *delegation.Engine { return c.engine }

func fail(op string, err error) error {
	if _, ok := pkgerrors.As(err); ok {
		return err
	}
	return pkgerrors.New(component, op, err).
		WithCode(types.CodeOf(err)).
		WithStatusCode(types.StatusOf(err))
}

// observer is the bus ObserverFunc: the session owner sees every private
// message.
func (c *Coordinator) observer(sessionID string) string {
	c.mu.RLock()
	s := c.sessions[sessionID]
	c.mu.RUnlock()
	if s == nil {
		return ""
	}
	return s.owner
}

func (c *Coordinator) lookup(sessionID string) (*session, error) {
	c.mu.RLock()
	s := c.sessions[sessionID]
	c.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// lock looks up and locks the session. The caller unlocks.
func (c *Coordinator) lock(sessionID string) (*session, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (c *Coordinator) snapshot(s *session) *Session {
	out := &Session{
		ID:            s.id,
		OwnerClientID: s.owner,
		Participants:  append([]types.Participant(nil), s.participants...),
		Connected:     []string{},
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
	for _, conn := range c.registry.ListActive(s.id) {
		out.Connected = append(out.Connected, conn.ClientID)
	}
	return out
}

// OpenSession creates a session. It fails with types.ErrDuplicateManager,
// types.ErrInvalidParticipants or types.ErrSessionExists. An id whose
// ledgers already hold messages counts as existing, so a closed session's
// history never passes to a new owner.
func (c *Coordinator) OpenSession(ctx context.Context, req OpenRequest) (*Session, error) {
	const op = "OpenSession"
	if err := types.ValidateParticipants(req.Participants); err != nil {
		return nil, fail(op, err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else {
		used, err := c.hasHistory(ctx, req.ID)
		if err != nil {
			return nil, fail(op, err)
		}
		if used {
			return nil, fail(op, fmt.Errorf("%w: %s has ledgered history", types.ErrSessionExists, req.ID))
		}
	}
	now := c.now().UTC()
	s := &session{
		id:           req.ID,
		owner:        req.OwnerClientID,
		participants: append([]types.Participant(nil), req.Participants...),
		createdAt:    now,
		lastActivity: now,
	}

	c.mu.Lock()
	if _, exists := c.sessions[req.ID]; exists {
		c.mu.Unlock()
		return nil, fail(op, fmt.Errorf("%w: %s", types.ErrSessionExists, req.ID))
	}
	c.sessions[req.ID] = s
	c.mu.Unlock()

	ctx = logger.WithSessionID(ctx, req.ID)
	logger.InfoContext(ctx, "session opened",
		"owner_client_id", req.OwnerClientID, "participants", len(req.Participants))
	c.emitter.ForSession(req.ID).SessionOpened(len(req.Participants))
	return c.snapshot(s), nil
}

func (c *Coordinator) hasHistory(ctx context.Context, sessionID string) (bool, error) {
	for _, kind := range []types.MessageKind{types.KindBroadcast, types.KindDirect} {
		msgs, err := c.bus.Ledger(kind).ListSinceLimit(ctx, sessionID, 0, 1)
		if err != nil {
			return false, fmt.Errorf("check %s history: %w", kind, err)
		}
		if len(msgs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CloseSession cancels the session's delegation, notifies and unregisters
// every connection and forgets the session. Ledgered history is kept.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID string) error {
	return c.closeSession(ctx, sessionID, "closed")
}

func (c *Coordinator) closeSession(ctx context.Context, sessionID, reason string) error {
	const op = "CloseSession"
	s, err := c.lock(sessionID)
	if err != nil {
		return fail(op, err)
	}
	s.closed = true
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	c.engine.CancelSession(sessionID)
	c.bus.Notify(ctx, sessionID, types.Notification{
		Kind:    types.NotifySessionClosed,
		Message: "session " + reason,
	})
	for _, conn := range c.registry.ListActive(sessionID) {
		c.dropLimiter(conn.ID)
	}
	n := c.registry.UnregisterSession(sessionID)
	c.bus.ForgetSession(sessionID)

	logger.InfoContext(logger.WithSessionID(ctx, sessionID), "session closed",
		"reason", reason, "connections", n)
	c.emitter.ForSession(sessionID).SessionClosed(reason)
	return nil
}

// AddParticipant adds p to the session. A duplicate agent or a second
// manager is rejected.
func (c *Coordinator) AddParticipant(ctx context.Context, sessionID string, p types.Participant) (*Session, error) {
	const op = "AddParticipant"
	s, err := c.lock(sessionID)
	if err != nil {
		return nil, fail(op, err)
	}
	next := append(append([]types.Participant(nil), s.participants...), p)
	if err := types.ValidateParticipants(next); err != nil {
		s.mu.Unlock()
		return nil, fail(op, err)
	}
	s.participants = next
	s.lastActivity = c.now().UTC()
	snap := c.snapshot(s)
	s.mu.Unlock()

	c.bus.Notify(ctx, sessionID, types.Notification{
		Kind:     types.NotifyParticipantAdded,
		ClientID: p.Agent.ID,
		Message:  p.Agent.DisplayName() + " joined the session",
	})
	return snap, nil
}

// Session returns a snapshot of the session.
func (c *Coordinator) Session(sessionID string) (*Session, error) {
	s, err := c.lock(sessionID)
	if err != nil {
		return nil, fail("Session", err)
	}
	defer s.mu.Unlock()
	return c.snapshot(s), nil
}

// Sessions returns snapshots of every open session, oldest first.
func (c *Coordinator) Sessions() []*Session {
	c.mu.RLock()
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.RUnlock()

	out := make([]*Session, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		if !s.closed {
			out = append(out, c.snapshot(s))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Start runs idle-session and task eviction until Shutdown or ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	period := c.idleTimeout
	if period <= 0 || (c.taskRetention > 0 && c.taskRetention < period) {
		period = c.taskRetention
	}
	if period <= 0 {
		return
	}
	interval := max(period/4, time.Second)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Sweep closes sessions idle for longer than the idle timeout and evicts
// finished tasks past retention. It returns the closed session ids.
func (c *Coordinator) Sweep(ctx context.Context) []string {
	now := c.now().UTC()
	if c.taskRetention > 0 {
		if evicted := c.engine.EvictTerminal(now.Add(-c.taskRetention)); len(evicted) > 0 {
			logger.Debug("evicted delegation tasks", "count", len(evicted))
		}
	}
	if c.idleTimeout <= 0 {
		return nil
	}

	c.mu.RLock()
	candidates := make([]*session, 0)
	for _, s := range c.sessions {
		candidates = append(candidates, s)
	}
	c.mu.RUnlock()

	var closed []string
	for _, s := range candidates {
		s.mu.Lock()
		idle := !s.closed && now.Sub(s.lastActivity) > c.idleTimeout
		s.mu.Unlock()
		if !idle || c.registry.Count(s.id) > 0 {
			continue
		}
		if err := c.closeSession(ctx, s.id, "idle"); err == nil {
			closed = append(closed, s.id)
		}
	}
	sort.Strings(closed)
	return closed
}

// Shutdown stops the eviction loop, closes every session and waits for
// in-flight agent invocations.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	for _, s := range c.Sessions() {
		_ = c.closeSession(ctx, s.ID, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.engine.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
