// Package events provides a lightweight pub/sub event bus for runtime observability.
package events

import (
	"sync"

	"github.com/AltairaLabs/CollabKit/runtime/logger"
)

// Listener is a function that handles events.
type Listener func(*Event)

const defaultBufferSize = 1024

// EventBus delivers events to listeners on a single worker goroutine, so
// listeners observe events in publish order. Publish never blocks: when the
// buffer is full the event is dropped.
type EventBus struct {
	mu              sync.RWMutex
	listeners       map[EventType][]Listener
	globalListeners []Listener

	queue     chan *Event
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewEventBus creates a new event bus and starts its worker.
func NewEventBus() *EventBus {
	eb := &EventBus{
		listeners: make(map[EventType][]Listener),
		queue:     make(chan *Event, defaultBufferSize),
		done:      make(chan struct{}),
	}
	go eb.run()
	return eb
}

// Subscribe registers a listener for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, listener Listener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.listeners[eventType] = append(eb.listeners[eventType], listener)
}

// SubscribeAll registers a listener for all event types.
func (eb *EventBus) SubscribeAll(listener Listener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.globalListeners = append(eb.globalListeners, listener)
}

// Publish queues event for delivery.
func (eb *EventBus) Publish(event *Event) {
	if eb == nil || event == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	select {
	case eb.queue <- event:
	default:
		logger.Warn("event bus full, dropping event", "type", event.Type)
	}
}

// Close stops accepting events, delivers what is queued, and waits for the worker.
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		close(eb.queue)
		eb.mu.Unlock()
		<-eb.done
	})
}

// Clear removes all listeners (primarily for tests).
func (eb *EventBus) Clear() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.listeners = make(map[EventType][]Listener)
	eb.globalListeners = nil
}

func (eb *EventBus) run() {
	defer close(eb.done)
	for event := range eb.queue {
		eb.mu.RLock()
		specific := append([]Listener(nil), eb.listeners[event.Type]...)
		global := append([]Listener(nil), eb.globalListeners...)
		eb.mu.RUnlock()

		for _, l := range specific {
			safeInvoke(l, event)
		}
		for _, l := range global {
			safeInvoke(l, event)
		}
	}
}

func safeInvoke(listener Listener, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event listener panicked", "type", event.Type, "panic", r)
		}
	}()
	listener(event)
}
