package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AltairaLabs/CollabKit/runtime/events"
)

// newTestListener returns a listener, in-memory exporter, and TracerProvider for tests.
func newTestListener(t *testing.T) (*OTelEventListener, *tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return NewOTelEventListener(tp.Tracer(InstrumentationName)), exp, tp
}

// flushAndGetSpans reads spans before Shutdown, which resets the buffer.
func flushAndGetSpans(t *testing.T, tp *sdktrace.TracerProvider, exp *tracetest.InMemoryExporter) tracetest.SpanStubs {
	t.Helper()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	return spans
}

func findSpans(spans tracetest.SpanStubs, name string) []tracetest.SpanStub {
	var out []tracetest.SpanStub
	for _, s := range spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func hasAttr(span tracetest.SpanStub, key, want string) bool {
	for _, a := range span.Attributes {
		if string(a.Key) == key && a.Value.Emit() == want {
			return true
		}
	}
	return false
}

func TestListener_DelegationTree(t *testing.T) {
	l, exp, tp := newTestListener(t)
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ev := func(typ events.EventType, offset time.Duration, data events.EventData) *events.Event {
		return &events.Event{Type: typ, Timestamp: t0.Add(offset), SessionID: "s1", Data: data}
	}

	l.OnEvent(ev(events.EventSessionOpened, 0, events.SessionData{Participants: 3}))
	l.OnEvent(ev(events.EventMessagePublished, time.Second, events.MessagePublishedData{Kind: "broadcast", Scope: "broadcast", Seq: 1, Delivered: 2}))
	l.OnEvent(ev(events.EventDelegationDispatched, 2*time.Second, events.DelegationDispatchedData{TaskID: "t1", Subtasks: 2}))
	l.OnEvent(ev(events.EventAgentInvoked, 3*time.Second, events.AgentInvokedData{AgentID: "writer", Duration: time.Second}))
	l.OnEvent(ev(events.EventSubtaskFinished, 3*time.Second, events.SubtaskFinishedData{TaskID: "t1", AgentID: "writer", Status: "completed", Duration: time.Second}))
	l.OnEvent(ev(events.EventSubtaskFinished, 32*time.Second, events.SubtaskFinishedData{TaskID: "t1", AgentID: "researcher", Status: "timed_out", Duration: 30 * time.Second}))
	l.OnEvent(ev(events.EventDelegationCompleted, 32*time.Second, events.DelegationCompletedData{TaskID: "t1", State: "aggregated", TimedOut: 1}))
	l.OnEvent(ev(events.EventSessionClosed, time.Minute, events.SessionData{Reason: "closed"}))

	spans := flushAndGetSpans(t, tp, exp)

	sessions := findSpans(spans, SpanSession)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session span, got %d", len(sessions))
	}
	session := sessions[0]
	if !hasAttr(session, "session.close_reason", "closed") {
		t.Error("session span missing close reason")
	}
	if len(session.Events) != 1 || session.Events[0].Name != "message.published" {
		t.Errorf("expected one message.published event, got %v", session.Events)
	}
	if got := session.EndTime.Sub(session.StartTime); got != time.Minute {
		t.Errorf("session span lasted %v, want 1m", got)
	}

	tasks := findSpans(spans, SpanDelegation)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 delegation span, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Parent.SpanID() != session.SpanContext.SpanID() {
		t.Error("delegation span is not a child of the session span")
	}
	if task.Status.Code == codes.Error {
		t.Error("aggregated task should not be an error")
	}

	subtasks := findSpans(spans, SpanSubtask)
	if len(subtasks) != 2 {
		t.Fatalf("expected 2 subtask spans, got %d", len(subtasks))
	}
	for _, st := range subtasks {
		if st.Parent.SpanID() != task.SpanContext.SpanID() {
			t.Error("subtask span is not a child of the delegation span")
		}
		if hasAttr(st, "subtask.status", "timed_out") {
			if st.Status.Code != codes.Error {
				t.Error("timed out subtask should be an error")
			}
			if got := st.EndTime.Sub(st.StartTime); got != 30*time.Second {
				t.Errorf("timed out subtask lasted %v, want 30s", got)
			}
		}
	}

	calls := findSpans(spans, SpanAgentCall)
	if len(calls) != 1 || calls[0].SpanKind.String() != "client" {
		t.Errorf("expected 1 client agent span, got %v", calls)
	}
}

func TestListener_FailedAgentCallAndOrphans(t *testing.T) {
	l, exp, tp := newTestListener(t)
	now := time.Now()

	// events for a session the listener never saw still produce spans
	l.OnEvent(&events.Event{Type: events.EventAgentInvoked, Timestamp: now, SessionID: "x",
		Data: events.AgentInvokedData{AgentID: "a", Error: errors.New("refused")}})
	l.OnEvent(&events.Event{Type: events.EventDelegationCompleted, Timestamp: now, SessionID: "x",
		Data: events.DelegationCompletedData{TaskID: "t9", State: "failed"}})
	l.OnEvent(&events.Event{Type: events.EventInboundRejected, Timestamp: now, SessionID: "x",
		Data: events.InboundRejectedData{Code: "malformed_envelope"}})

	spans := flushAndGetSpans(t, tp, exp)
	call := findSpans(spans, SpanAgentCall)
	if len(call) != 1 || call[0].Status.Code != codes.Error {
		t.Fatalf("expected one failed agent span, got %v", call)
	}
	if len(call[0].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
	task := findSpans(spans, SpanDelegation)
	if len(task) != 1 || task[0].Status.Code != codes.Error {
		t.Fatalf("expected one failed delegation span, got %v", task)
	}
}

func TestListener_CloseEndsOpenSpans(t *testing.T) {
	l, exp, tp := newTestListener(t)
	now := time.Now()
	l.OnEvent(&events.Event{Type: events.EventSessionOpened, Timestamp: now, SessionID: "s", Data: events.SessionData{}})
	l.OnEvent(&events.Event{Type: events.EventDelegationDispatched, Timestamp: now, SessionID: "s",
		Data: events.DelegationDispatchedData{TaskID: "t"}})
	l.Close()

	spans := flushAndGetSpans(t, tp, exp)
	if len(spans) != 2 {
		t.Errorf("expected 2 ended spans, got %d", len(spans))
	}
}

func TestListener_OnEventBus(t *testing.T) {
	l, exp, tp := newTestListener(t)
	bus := events.NewEventBus()
	bus.SubscribeAll(l.OnEvent)

	em := events.NewEmitter(bus, "s1")
	em.SessionOpened(2)
	em.SessionClosed("idle")
	bus.Close()

	spans := flushAndGetSpans(t, tp, exp)
	if got := len(findSpans(spans, SpanSession)); got != 1 {
		t.Errorf("expected 1 session span, got %d", got)
	}
}
