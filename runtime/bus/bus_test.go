package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/registry"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

type recorder struct {
	mu     sync.Mutex
	events []decoded
	fail   bool
}

type decoded struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (r *recorder) SendRaw(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("peer gone")
	}
	var d decoded
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	r.events = append(r.events, d)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) messages(t *testing.T) []types.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, e := range r.events {
		if e.Type != string(types.EventAgentMessage) && e.Type != string(types.EventDirectAgentMessage) {
			continue
		}
		var m types.Message
		require.NoError(t, json.Unmarshal(e.Data, &m))
		out = append(out, m)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	bus       *Bus
	reg       *registry.Registry
	broadcast *ledger.Memory
	direct    *ledger.Memory
	clients   map[string]*recorder
}

func newFixture(t *testing.T, clients ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:       registry.New(),
		broadcast: ledger.NewMemory(),
		direct:    ledger.NewMemory(),
		clients:   make(map[string]*recorder),
	}
	f.bus = New(f.reg, f.broadcast, f.direct, WithObserver(func(string) string { return "user" }))
	for _, c := range clients {
		rec := &recorder{}
		f.clients[c] = rec
		f.reg.Register("s", c, rec)
	}
	t.Cleanup(func() { f.reg.UnregisterSession("s") })
	return f
}

func (f *fixture) drain() {
	// closing the connections flushes their writers
	f.reg.UnregisterSession("s")
}

func TestPublish_BroadcastReachesEveryone(t *testing.T) {
	f := newFixture(t, "user", "researcher", "writer")

	got, report, err := f.bus.Publish(context.Background(), "s",
		types.Message{SenderID: "user", Content: "hello"}, types.Broadcast())
	require.NoError(t, err)
	f.drain()

	assert.Equal(t, int64(1), got.Seq)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, 3, report.Delivered)
	for name, rec := range f.clients {
		msgs := rec.messages(t)
		require.Len(t, msgs, 1, name)
		assert.Equal(t, "hello", msgs[0].Content)
	}
}

func TestPublish_PrivateNeverLeaks(t *testing.T) {
	f := newFixture(t, "user", "manager", "researcher", "writer")

	_, report, err := f.bus.Publish(context.Background(), "s",
		types.Message{Content: "secret plan"}, types.DirectPrivate("manager", "writer"))
	require.NoError(t, err)
	f.drain()

	assert.Equal(t, 3, report.Delivered)
	assert.Len(t, f.clients["manager"].messages(t), 1)
	assert.Len(t, f.clients["writer"].messages(t), 1)
	assert.Len(t, f.clients["user"].messages(t), 1, "observer sees private messages")
	assert.Empty(t, f.clients["researcher"].messages(t))

	// still ledgered in the direct stream only
	assert.Equal(t, 1, f.direct.Len("s"))
	assert.Equal(t, 0, f.broadcast.Len("s"))

	stored, err := f.direct.ListSince(context.Background(), "s", 0)
	require.NoError(t, err)
	assert.True(t, stored[0].IsPrivate)
	assert.Equal(t, "writer", stored[0].RecipientID)
}

func TestPublish_DirectPublicReachesEveryone(t *testing.T) {
	f := newFixture(t, "manager", "researcher", "writer")

	msg, report, err := f.bus.Publish(context.Background(), "s",
		types.Message{Content: "research X"}, types.DirectPublic("manager", "researcher"))
	require.NoError(t, err)
	f.drain()

	assert.Equal(t, 3, report.Delivered)
	assert.False(t, msg.IsPrivate)
	got := f.clients["writer"].messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "researcher", got[0].RecipientID)
	assert.Equal(t, types.KindDirect, got[0].Kind)
}

func TestPublish_DeadConnectionSkipped(t *testing.T) {
	f := newFixture(t, "good")
	slow := &recorder{}
	conn := f.reg.Register("s", "slow", slow)
	require.NoError(t, conn.Close())

	_, report, err := f.bus.Publish(context.Background(), "s",
		types.Message{SenderID: "good", Content: "x"}, types.Broadcast())
	require.NoError(t, err)
	f.drain()

	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, f.clients["good"].messages(t), 1)
}

type blockingTransport struct{ release chan struct{} }

func (b *blockingTransport) SendRaw([]byte) error { <-b.release; return nil }
func (b *blockingTransport) Close() error         { return nil }

func TestPublish_FullQueueDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(registry.WithQueueSize(1))
	b := New(reg, ledger.NewMemory(), ledger.NewMemory())
	stuck := &blockingTransport{release: make(chan struct{})}
	good := &recorder{}
	reg.Register("s", "stuck", stuck)
	reg.Register("s", "good", good)
	defer close(stuck.release)

	var failed int
	for i := 0; i < 5; i++ {
		_, report, err := b.Publish(context.Background(), "s",
			types.Message{SenderID: "good", Content: fmt.Sprint(i)}, types.Broadcast())
		require.NoError(t, err)
		failed += len(report.Failed)
		// let the healthy writer drain its single slot
		require.Eventually(t, func() bool { return good.len() == i+1 }, time.Second, time.Millisecond)
	}

	assert.GreaterOrEqual(t, failed, 3, "stuck client overflows its queue")
	assert.Equal(t, 5, good.len())
}

func TestPublish_LedgerFirstWithoutConnections(t *testing.T) {
	f := newFixture(t)

	msg, report, err := f.bus.Publish(context.Background(), "s",
		types.Message{SenderID: "a", Content: "offline"}, types.DirectPrivate("a", "b"))
	require.NoError(t, err)

	assert.Zero(t, report.Delivered)
	stored, err := f.direct.ListSince(context.Background(), "s", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)
}

func TestPublish_LedgerErrorPushesNothing(t *testing.T) {
	f := newFixture(t, "user")
	require.NoError(t, f.broadcast.Close())

	_, _, err := f.bus.Publish(context.Background(), "s",
		types.Message{SenderID: "user", Content: "x"}, types.Broadcast())
	require.ErrorIs(t, err, ledger.ErrClosed)
	f.drain()
	assert.Zero(t, f.clients["user"].len())
}

func TestPublish_ConcurrentBroadcastsAreGapFreeAndOrdered(t *testing.T) {
	f := newFixture(t, "user", "agent")
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.bus.Publish(context.Background(), "s",
				types.Message{SenderID: "agent", Content: fmt.Sprint(i)}, types.Broadcast())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	f.drain()

	for _, rec := range f.clients {
		msgs := rec.messages(t)
		require.Len(t, msgs, n)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq, "delivery order must match ledger order")
		}
	}
}

func TestNotify_NotLedgered(t *testing.T) {
	f := newFixture(t, "user", "agent")

	report := f.bus.Notify(context.Background(), "s", types.Notification{
		Kind:    types.NotifyConnected,
		Message: "agent joined",
	})
	f.drain()

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 0, f.broadcast.Len("s"))
	assert.Equal(t, 1, f.clients["user"].len())
	assert.Equal(t, string(types.EventNotification), f.clients["user"].events[0].Type)
}

func TestSendError(t *testing.T) {
	f := newFixture(t, "user")
	conn, ok := f.reg.Get("s", "user")
	require.True(t, ok)

	require.NoError(t, f.bus.SendError(conn, fmt.Errorf("parse: %w", types.ErrInvalidMessageType)))
	f.drain()

	var data types.ErrorData
	require.NoError(t, json.Unmarshal(f.clients["user"].events[0].Data, &data))
	assert.Equal(t, "invalid_message_type", data.Code)
}

func TestPublish_EmitsEvent(t *testing.T) {
	eb := events.NewEventBus()
	var got events.MessagePublishedData
	eb.Subscribe(events.EventMessagePublished, func(e *events.Event) {
		got = e.Data.(events.MessagePublishedData)
	})

	reg := registry.New()
	b := New(reg, ledger.NewMemory(), ledger.NewMemory(),
		WithEmitter(events.NewEmitter(eb, "")),
		WithClock(func() time.Time { return time.Unix(0, 0) }))
	msg, _, err := b.Publish(context.Background(), "s", types.Message{Content: "x"}, types.DirectPublic("a", "b"))
	require.NoError(t, err)
	eb.Close()

	assert.Equal(t, time.Unix(0, 0).UTC(), msg.Timestamp)
	assert.Equal(t, "direct", got.Kind)
	assert.Equal(t, "direct_public", got.Scope)
	assert.Equal(t, int64(1), got.Seq)
}
