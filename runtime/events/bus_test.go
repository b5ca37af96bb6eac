package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SpecificAndGlobalListeners(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(EventSessionOpened, func(e *Event) {
		mu.Lock()
		got = append(got, "specific:"+e.SessionID)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		got = append(got, "global:"+string(e.Type))
		mu.Unlock()
	})

	NewEmitter(bus, "s1").SessionOpened(3)
	NewEmitter(bus, "s1").SessionClosed("closed")
	bus.Close()

	assert.Equal(t, []string{
		"specific:s1",
		"global:session.opened",
		"global:session.closed",
	}, got)
}

func TestEventBus_PreservesOrder(t *testing.T) {
	bus := NewEventBus()

	var seqs []int64
	bus.Subscribe(EventMessagePublished, func(e *Event) {
		seqs = append(seqs, e.Data.(MessagePublishedData).Seq)
	})

	em := NewEmitter(bus, "s")
	for i := int64(1); i <= 50; i++ {
		em.MessagePublished("broadcast", "broadcast", i, 1, 0)
	}
	bus.Close()

	require.Len(t, seqs, 50)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

func TestEventBus_RecoversFromPanic(t *testing.T) {
	bus := NewEventBus()

	done := make(chan struct{})
	bus.Subscribe(EventInboundRejected, func(*Event) { panic("listener panic") })
	bus.Subscribe(EventInboundRejected, func(*Event) { close(done) })

	NewEmitter(bus, "s").InboundRejected("c", "invalid_message_type")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second listener was not invoked after panic")
	}
	bus.Close()
}

func TestEventBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewEventBus()
	bus.Close()
	bus.Close()

	assert.NotPanics(t, func() {
		NewEmitter(bus, "s").SessionOpened(1)
	})
}

func TestEmitter_NilSafe(t *testing.T) {
	var em *Emitter
	assert.NotPanics(t, func() {
		em.SessionOpened(1)
		em.ForSession("x").AgentInvoked("a", time.Second, nil)
	})
	assert.NotPanics(t, func() {
		NewEmitter(nil, "s").DelegationDispatched("t", 2)
	})
}

func TestEmitter_ForSession(t *testing.T) {
	bus := NewEventBus()
	var sessionID string
	bus.Subscribe(EventDelegationCompleted, func(e *Event) { sessionID = e.SessionID })

	NewEmitter(bus, "").ForSession("s9").DelegationCompleted("t", "aggregated", time.Second, 1, 0)
	bus.Close()

	assert.Equal(t, "s9", sessionID)
}
