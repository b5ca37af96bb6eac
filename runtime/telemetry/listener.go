package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Span names.
const (
	SpanSession    = "collabkit.session"
	SpanDelegation = "collabkit.delegation"
	SpanSubtask    = "collabkit.subtask"
	SpanAgentCall  = "collabkit.agent.invoke"
)

// spanEntry tracks an in-flight span and its context.
type spanEntry struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx // needed to parent child spans
}

// OTelEventListener converts runtime events into OTel spans. A session span
// covers a session's lifetime; each delegation task gets a child span, and
// subtasks and agent calls become children of their task, back-dated by
// their reported duration. Message fan-outs and rejected frames are recorded
// as span events on the session span.
//
// It relies on the EventBus delivering events in publish order.
type OTelEventListener struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*spanEntry // sessionID
	tasks    map[string]*spanEntry // taskID
}

// NewOTelEventListener creates a listener that creates OTel spans from runtime events.
func NewOTelEventListener(tracer trace.Tracer) *OTelEventListener {
	return &OTelEventListener{
		tracer:   tracer,
		sessions: make(map[string]*spanEntry),
		tasks:    make(map[string]*spanEntry),
	}
}

// OnEvent handles a single runtime event. It can be passed to
// EventBus.SubscribeAll.
func (l *OTelEventListener) OnEvent(evt *events.Event) {
	switch data := evt.Data.(type) {
	case events.SessionData:
		if evt.Type == events.EventSessionOpened {
			l.startSession(evt, data)
		} else {
			l.endSession(evt, data)
		}
	case events.MessagePublishedData:
		l.sessionEvent(evt, "message.published",
			attribute.String("message.kind", data.Kind),
			attribute.String("message.visibility", data.Scope),
			attribute.Int64("message.seq", data.Seq),
			attribute.Int("delivery.delivered", data.Delivered),
			attribute.Int("delivery.failed", data.Failed),
		)
	case events.InboundRejectedData:
		l.sessionEvent(evt, "inbound.rejected",
			attribute.String("client.id", data.ClientID),
			attribute.String("error.code", data.Code),
		)
	case events.DelegationDispatchedData:
		l.startTask(evt, data)
	case events.SubtaskFinishedData:
		l.subtask(evt, data)
	case events.DelegationCompletedData:
		l.endTask(evt, data)
	case events.AgentInvokedData:
		l.agentCall(evt, data)
	}
}

func (l *OTelEventListener) sessionCtx(sessionID string) context.Context {
	if s, ok := l.sessions[sessionID]; ok {
		return s.ctx
	}
	return context.Background()
}

func (l *OTelEventListener) startSession(evt *events.Event, data events.SessionData) {
	ctx, span := l.tracer.Start(context.Background(), SpanSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(evt.Timestamp),
		trace.WithAttributes(
			attribute.String("session.id", evt.SessionID),
			attribute.Int("session.participants", data.Participants),
		),
	)
	l.mu.Lock()
	l.sessions[evt.SessionID] = &spanEntry{span: span, ctx: ctx}
	l.mu.Unlock()
}

func (l *OTelEventListener) endSession(evt *events.Event, data events.SessionData) {
	l.mu.Lock()
	s, ok := l.sessions[evt.SessionID]
	delete(l.sessions, evt.SessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	s.span.SetAttributes(attribute.String("session.close_reason", data.Reason))
	s.span.End(trace.WithTimestamp(evt.Timestamp))
}

func (l *OTelEventListener) sessionEvent(evt *events.Event, name string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	s, ok := l.sessions[evt.SessionID]
	l.mu.Unlock()
	if !ok {
		return
	}
	s.span.AddEvent(name, trace.WithTimestamp(evt.Timestamp), trace.WithAttributes(attrs...))
}

func (l *OTelEventListener) startTask(evt *events.Event, data events.DelegationDispatchedData) {
	l.mu.Lock()
	parent := l.sessionCtx(evt.SessionID)
	l.mu.Unlock()

	ctx, span := l.tracer.Start(parent, SpanDelegation,
		trace.WithTimestamp(evt.Timestamp),
		trace.WithAttributes(
			attribute.String("session.id", evt.SessionID),
			attribute.String("task.id", data.TaskID),
			attribute.Int("task.subtasks", data.Subtasks),
		),
	)
	l.mu.Lock()
	l.tasks[data.TaskID] = &spanEntry{span: span, ctx: ctx}
	l.mu.Unlock()
}

func (l *OTelEventListener) taskCtx(taskID, sessionID string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tasks[taskID]; ok {
		return t.ctx
	}
	return l.sessionCtx(sessionID)
}

func (l *OTelEventListener) subtask(evt *events.Event, data events.SubtaskFinishedData) {
	_, span := l.tracer.Start(l.taskCtx(data.TaskID, evt.SessionID), SpanSubtask,
		trace.WithTimestamp(evt.Timestamp.Add(-data.Duration)),
		trace.WithAttributes(
			attribute.String("task.id", data.TaskID),
			attribute.String("agent.id", data.AgentID),
			attribute.String("subtask.status", data.Status),
		),
	)
	if data.Status != string(types.SubtaskCompleted) {
		span.SetStatus(codes.Error, data.Status)
	}
	span.End(trace.WithTimestamp(evt.Timestamp))
}

func (l *OTelEventListener) endTask(evt *events.Event, data events.DelegationCompletedData) {
	l.mu.Lock()
	t, ok := l.tasks[data.TaskID]
	delete(l.tasks, data.TaskID)
	l.mu.Unlock()

	if !ok {
		// failed before dispatch: record a zero-length span
		parent := l.taskCtx("", evt.SessionID)
		_, span := l.tracer.Start(parent, SpanDelegation,
			trace.WithTimestamp(evt.Timestamp),
			trace.WithAttributes(attribute.String("task.id", data.TaskID)),
		)
		t = &spanEntry{span: span}
	}
	t.span.SetAttributes(
		attribute.String("task.state", data.State),
		attribute.Int("task.timed_out", data.TimedOut),
		attribute.Int("task.failed", data.Failed),
	)
	if data.State != string(types.TaskAggregated) {
		t.span.SetStatus(codes.Error, data.State)
	}
	t.span.End(trace.WithTimestamp(evt.Timestamp))
}

func (l *OTelEventListener) agentCall(evt *events.Event, data events.AgentInvokedData) {
	_, span := l.tracer.Start(l.taskCtx("", evt.SessionID), SpanAgentCall,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(evt.Timestamp.Add(-data.Duration)),
		trace.WithAttributes(attribute.String("agent.id", data.AgentID)),
	)
	if data.Error != nil {
		span.RecordError(data.Error)
		span.SetStatus(codes.Error, data.Error.Error())
	}
	span.End(trace.WithTimestamp(evt.Timestamp))
}

// Close ends every span still open, for process shutdown.
func (l *OTelEventListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for id, t := range l.tasks {
		t.span.End(trace.WithTimestamp(now))
		delete(l.tasks, id)
	}
	for id, s := range l.sessions {
		s.span.End(trace.WithTimestamp(now))
		delete(l.sessions, id)
	}
}
