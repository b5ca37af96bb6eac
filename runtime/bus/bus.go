// Package bus publishes session messages. Every message is appended to its
// ledger stream first and then pushed to each connection allowed to see it.
// Pushes are best-effort and isolated per connection; the ledger is the
// record clients reconcile against.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/registry"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// ObserverFunc returns the client id allowed to see every private message
// of a session, or "" when there is none.
type ObserverFunc func(sessionID string) string

// Option configures a Bus.
type Option func(*Bus)

// WithObserver sets the observer lookup.
func WithObserver(fn ObserverFunc) Option {
	return func(b *Bus) {
		b.observer = fn
	}
}

// WithEmitter publishes message.published events.
func WithEmitter(em *events.Emitter) Option {
	return func(b *Bus) {
		b.emitter = em
	}
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Report describes the outcome of one fan-out.
type Report struct {
	Delivered int
	// Failed lists client ids whose push failed.
	Failed []string
}

// Bus is safe for concurrent use. Publishes within one session are
// serialized so connections see messages in ledger order; different
// sessions publish in parallel.
type Bus struct {
	registry  *registry.Registry
	broadcast ledger.Ledger
	direct    ledger.Ledger

	observer ObserverFunc
	emitter  *events.Emitter
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Bus over the registry and the two ledger streams.
func New(reg *registry.Registry, broadcast, direct ledger.Ledger, opts ...Option) *Bus {
	b := &Bus{
		registry:  reg,
		broadcast: broadcast,
		direct:    direct,
		observer:  func(string) string { return "" },
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) sessionLock(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sessionID] = l
	}
	return l
}

// ForgetSession drops per-session bookkeeping after a session closes.
func (b *Bus) ForgetSession(sessionID string) {
	b.mu.Lock()
	delete(b.locks, sessionID)
	b.mu.Unlock()
}

// Ledger returns the ledger stream used for kind.
func (b *Bus) Ledger(kind types.MessageKind) ledger.Ledger {
	if kind == types.KindDirect {
		return b.direct
	}
	return b.broadcast
}

// Publish appends msg to the ledger stream selected by vis and pushes it to
// every connection vis allows. The returned message carries its assigned
// Seq. An error means nothing was appended and nothing was pushed; push
// failures are reported in Report and never returned as an error.
func (b *Bus) Publish(ctx context.Context, sessionID string, msg types.Message, vis types.Visibility) (types.Message, Report, error) {
	msg.SessionID = sessionID
	msg.Kind = vis.Kind()
	if vis.Scope != types.ScopeBroadcast {
		msg.SenderID = vis.Sender
		msg.RecipientID = vis.Recipient
		msg.IsPrivate = vis.Scope == types.ScopeDirectPrivate
	} else {
		msg.RecipientID = ""
		msg.IsPrivate = false
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}

	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := b.Ledger(msg.Kind).Append(ctx, &msg); err != nil {
		return types.Message{}, Report{}, fmt.Errorf("append %s message: %w", msg.Kind, err)
	}

	frame, err := json.Marshal(types.MessageEvent(&msg))
	if err != nil {
		// the message is ledgered; clients will pick it up by polling
		logger.ErrorContext(ctx, "encode message event", "seq", msg.Seq, "error", err)
		return msg, Report{}, nil
	}

	observer := b.observer(sessionID)
	var report Report
	for _, conn := range b.registry.ListActive(sessionID) {
		if !receives(vis, conn.ClientID, observer) {
			continue
		}
		if err := conn.EnqueueRaw(frame); err != nil {
			report.Failed = append(report.Failed, conn.ClientID)
			logger.WarnContext(ctx, "push failed",
				"client_id", conn.ClientID, "connection_id", conn.ID, "seq", msg.Seq, "error", err)
			continue
		}
		report.Delivered++
	}

	logger.Delivery(ctx, string(msg.Kind), msg.Seq, report.Delivered, len(report.Failed))
	b.emitter.ForSession(sessionID).MessagePublished(
		string(msg.Kind), vis.Scope.String(), msg.Seq, report.Delivered, len(report.Failed))
	return msg, report, nil
}

// receives reports whether clientID gets a push for vis.
func receives(vis types.Visibility, clientID, observer string) bool {
	if vis.Scope != types.ScopeDirectPrivate {
		return true
	}
	return clientID == vis.Sender || clientID == vis.Recipient || (observer != "" && clientID == observer)
}

// Notify pushes an ephemeral notification to every connection of the
// session. Notifications are not ledgered.
func (b *Bus) Notify(ctx context.Context, sessionID string, n types.Notification) Report {
	n.SessionID = sessionID
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now().UTC()
	}
	frame, err := json.Marshal(types.Event{Type: types.EventNotification, Data: n})
	if err != nil {
		logger.ErrorContext(ctx, "encode notification", "error", err)
		return Report{}
	}

	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var report Report
	for _, conn := range b.registry.ListActive(sessionID) {
		if err := conn.EnqueueRaw(frame); err != nil {
			report.Failed = append(report.Failed, conn.ClientID)
			continue
		}
		report.Delivered++
	}
	return report
}

// SendError pushes an error event to a single connection.
func (b *Bus) SendError(conn *registry.Connection, err error) error {
	return conn.Enqueue(types.ErrorEvent(err))
}
