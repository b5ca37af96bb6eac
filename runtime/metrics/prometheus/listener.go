package prometheus

import (
	"sync"

	"github.com/AltairaLabs/CollabKit/runtime/events"
)

// Status constants for metric labels.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// MetricsListener records runtime events as Prometheus metrics. Register
// its Listener with an EventBus using SubscribeAll.
type MetricsListener struct {
	mu         sync.Mutex
	dispatched map[string]struct{}
}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{dispatched: make(map[string]struct{})}
}

// Handle processes an event and records relevant metrics.
func (l *MetricsListener) Handle(event *events.Event) {
	//exhaustive:ignore
	switch data := event.Data.(type) {
	case events.SessionData:
		if event.Type == events.EventSessionOpened {
			RecordSessionOpened()
		} else {
			RecordSessionClosed(data.Reason)
		}
	case events.ConnectionData:
		if event.Type == events.EventConnectionRegistered {
			RecordConnectionRegistered(data.Replaced)
		} else {
			RecordConnectionUnregistered()
		}
	case events.MessagePublishedData:
		RecordMessagePublished(data.Kind, data.Scope, data.Delivered, data.Failed)
	case events.InboundRejectedData:
		RecordInboundRejected(data.Code)
	case events.DelegationDispatchedData:
		l.mu.Lock()
		l.dispatched[data.TaskID] = struct{}{}
		l.mu.Unlock()
		RecordDelegationDispatched()
	case events.SubtaskFinishedData:
		RecordSubtask(data.Status, data.Duration.Seconds())
	case events.DelegationCompletedData:
		l.mu.Lock()
		_, wasDispatched := l.dispatched[data.TaskID]
		delete(l.dispatched, data.TaskID)
		l.mu.Unlock()
		RecordDelegationCompleted(data.State, wasDispatched, data.Duration.Seconds())
	case events.AgentInvokedData:
		status := statusSuccess
		if data.Error != nil {
			status = statusError
		}
		RecordAgentInvocation(data.AgentID, status, data.Duration.Seconds())
	default:
		// Ignore events that don't have metrics
	}
}

// Listener returns an events.Listener function that can be registered with an EventBus.
func (l *MetricsListener) Listener() events.Listener {
	return l.Handle
}
