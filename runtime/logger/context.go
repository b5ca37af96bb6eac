package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys lifted into every log record by ContextHandler.
const (
	// ContextKeySessionID identifies the collaboration session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyClientID identifies the participant on the far end of a connection.
	ContextKeyClientID contextKey = "client_id"

	// ContextKeyConnectionID identifies one transport connection.
	ContextKeyConnectionID contextKey = "connection_id"

	// ContextKeyTaskID identifies a delegation task.
	ContextKeyTaskID contextKey = "task_id"

	// ContextKeyAgentID identifies an agent.
	ContextKeyAgentID contextKey = "agent_id"

	// ContextKeyRequestID identifies an HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID is used for distributed tracing.
	ContextKeyCorrelationID contextKey = "correlation_id"
)

var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyClientID,
	ContextKeyConnectionID,
	ContextKeyTaskID,
	ContextKeyAgentID,
	ContextKeyRequestID,
	ContextKeyCorrelationID,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithClientID returns a new context with the client ID set.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ContextKeyClientID, clientID)
}

// WithConnectionID returns a new context with the connection ID set.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, connectionID)
}

// WithTaskID returns a new context with the delegation task ID set.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// WithAgentID returns a new context with the agent ID set.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ContextKeyAgentID, agentID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// LoggingFields holds all standard logging context fields.
type LoggingFields struct {
	SessionID     string
	ClientID      string
	ConnectionID  string
	TaskID        string
	AgentID       string
	RequestID     string
	CorrelationID string
}

// WithLoggingContext sets every non-empty field of fields on ctx.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	pairs := []struct {
		key contextKey
		val string
	}{
		{ContextKeySessionID, fields.SessionID},
		{ContextKeyClientID, fields.ClientID},
		{ContextKeyConnectionID, fields.ConnectionID},
		{ContextKeyTaskID, fields.TaskID},
		{ContextKeyAgentID, fields.AgentID},
		{ContextKeyRequestID, fields.RequestID},
		{ContextKeyCorrelationID, fields.CorrelationID},
	}
	for _, p := range pairs {
		if p.val != "" {
			ctx = context.WithValue(ctx, p.key, p.val)
		}
	}
	return ctx
}

// ExtractLoggingFields reads all logging fields from ctx.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	get := func(k contextKey) string {
		s, _ := ctx.Value(k).(string)
		return s
	}
	return LoggingFields{
		SessionID:     get(ContextKeySessionID),
		ClientID:      get(ContextKeyClientID),
		ConnectionID:  get(ContextKeyConnectionID),
		TaskID:        get(ContextKeyTaskID),
		AgentID:       get(ContextKeyAgentID),
		RequestID:     get(ContextKeyRequestID),
		CorrelationID: get(ContextKeyCorrelationID),
	}
}
