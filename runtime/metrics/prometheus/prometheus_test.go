package prometheus

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AltairaLabs/CollabKit/runtime/events"
)

func TestRecordSessionLifecycle(t *testing.T) {
	sessionsActive.Set(0)
	sessionsClosedTotal.Reset()

	RecordSessionOpened()
	RecordSessionOpened()
	RecordSessionClosed("idle")

	if got := testutil.ToFloat64(sessionsActive); got != 1 {
		t.Errorf("Expected 1 active session, got %f", got)
	}
	if got := testutil.ToFloat64(sessionsClosedTotal.WithLabelValues("idle")); got != 1 {
		t.Errorf("Expected 1 idle close, got %f", got)
	}
}

func TestRecordConnections(t *testing.T) {
	connectionsActive.Set(0)
	before := testutil.ToFloat64(connectionsReplacedTotal)

	RecordConnectionRegistered(false)
	RecordConnectionUnregistered() // the replaced one
	RecordConnectionRegistered(true)

	if got := testutil.ToFloat64(connectionsActive); got != 1 {
		t.Errorf("Expected 1 active connection, got %f", got)
	}
	if got := testutil.ToFloat64(connectionsReplacedTotal) - before; got != 1 {
		t.Errorf("Expected 1 replaced connection, got %f", got)
	}
}

func TestRecordMessagePublished(t *testing.T) {
	messagesPublishedTotal.Reset()
	deliveriesTotal.Reset()

	RecordMessagePublished("broadcast", "broadcast", 3, 0)
	RecordMessagePublished("direct", "direct_private", 2, 1)

	if got := testutil.ToFloat64(messagesPublishedTotal.WithLabelValues("direct", "direct_private")); got != 1 {
		t.Errorf("Expected 1 private direct message, got %f", got)
	}
	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("delivered")); got != 5 {
		t.Errorf("Expected 5 deliveries, got %f", got)
	}
	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed delivery, got %f", got)
	}
}

func TestMetricsListener(t *testing.T) {
	delegationsActive.Set(0)
	delegationTasksTotal.Reset()
	subtasksTotal.Reset()
	inboundRejectedTotal.Reset()
	agentInvocationsTotal.Reset()

	l := NewMetricsListener()
	handle := l.Listener()

	handle(&events.Event{Type: events.EventDelegationDispatched, Data: events.DelegationDispatchedData{TaskID: "t1", Subtasks: 2}})
	if got := testutil.ToFloat64(delegationsActive); got != 1 {
		t.Errorf("Expected 1 active delegation, got %f", got)
	}

	handle(&events.Event{Type: events.EventSubtaskFinished, Data: events.SubtaskFinishedData{TaskID: "t1", Status: "completed", Duration: time.Second}})
	handle(&events.Event{Type: events.EventSubtaskFinished, Data: events.SubtaskFinishedData{TaskID: "t1", Status: "timed_out", Duration: 30 * time.Second}})
	handle(&events.Event{Type: events.EventDelegationCompleted, Data: events.DelegationCompletedData{TaskID: "t1", State: "aggregated", Duration: 30 * time.Second}})

	// a task that failed before dispatch does not touch the active gauge
	handle(&events.Event{Type: events.EventDelegationCompleted, Data: events.DelegationCompletedData{TaskID: "t2", State: "failed"}})

	if got := testutil.ToFloat64(delegationsActive); got != 0 {
		t.Errorf("Expected 0 active delegations, got %f", got)
	}
	if got := testutil.ToFloat64(delegationTasksTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed task, got %f", got)
	}
	if got := testutil.ToFloat64(subtasksTotal.WithLabelValues("timed_out")); got != 1 {
		t.Errorf("Expected 1 timed out subtask, got %f", got)
	}

	handle(&events.Event{Type: events.EventInboundRejected, Data: events.InboundRejectedData{Code: "invalid_message_type"}})
	if got := testutil.ToFloat64(inboundRejectedTotal.WithLabelValues("invalid_message_type")); got != 1 {
		t.Errorf("Expected 1 rejection, got %f", got)
	}

	handle(&events.Event{Type: events.EventAgentInvoked, Data: events.AgentInvokedData{AgentID: "writer", Error: errors.New("boom")}})
	handle(&events.Event{Type: events.EventAgentInvoked, Data: events.AgentInvokedData{AgentID: "writer"}})
	if got := testutil.ToFloat64(agentInvocationsTotal.WithLabelValues("writer", statusError)); got != 1 {
		t.Errorf("Expected 1 failed invocation, got %f", got)
	}
	if got := testutil.ToFloat64(agentInvocationsTotal.WithLabelValues("writer", statusSuccess)); got != 1 {
		t.Errorf("Expected 1 successful invocation, got %f", got)
	}
}

func TestMetricsListenerOnEventBus(t *testing.T) {
	sessionsActive.Set(0)

	bus := events.NewEventBus()
	bus.SubscribeAll(NewMetricsListener().Listener())
	em := events.NewEmitter(bus, "s1")
	em.SessionOpened(3)
	em.SessionOpened(1)
	bus.Close()

	if got := testutil.ToFloat64(sessionsActive); got != 2 {
		t.Errorf("Expected 2 active sessions, got %f", got)
	}
}

func TestMetricsListenerIgnoresNilData(t *testing.T) {
	l := NewMetricsListener()
	// Should not panic
	l.Handle(&events.Event{Type: events.EventSessionOpened})
}

func TestNewExporterRegistersMetrics(t *testing.T) {
	exporter := NewExporter("")
	RecordInboundRejected("rate_limited")

	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"collabkit_inbound_rejected_total", "go_goroutines", "go_build_info"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected /metrics to contain %s", name)
		}
	}
}

func TestExporterServeShutdown(t *testing.T) {
	exporter := NewExporter("/scrape")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- exporter.Serve(ln)
	}()

	var body []byte
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/scrape")
		if err == nil {
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected status 200, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exporter never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(string(body), "collabkit_sessions_active") {
		t.Error("Expected scrape to contain collabkit_sessions_active")
	}

	if err := exporter.Serve(ln); !errors.Is(err, ErrExporterServing) {
		t.Errorf("Expected ErrExporterServing on second Serve, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		t.Errorf("Expected no error on shutdown, got %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Serve did not return after Shutdown")
	}
}

func TestExporterShutdownWithoutServe(t *testing.T) {
	if err := NewExporter("").Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
