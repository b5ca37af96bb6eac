package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Transport is the write side of a live client connection.
type Transport interface {
	SendRaw(data []byte) error
	Close() error
}

// Connection is one registered client transport. Outbound frames go through
// a bounded queue drained by a dedicated writer goroutine, so a slow client
// never blocks the publisher.
type Connection struct {
	ID          string
	SessionID   string
	ClientID    string
	ConnectedAt time.Time

	transport Transport
	queue     chan []byte
	alive     atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	onWriteError func(*Connection, error)
}

func newConnection(sessionID, clientID string, t Transport, queueSize int, onWriteError func(*Connection, error)) *Connection {
	c := &Connection{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		ClientID:     clientID,
		ConnectedAt:  time.Now(),
		transport:    t,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		onWriteError: onWriteError,
	}
	c.alive.Store(true)
	go c.writeLoop()
	return c
}

// Alive reports whether the connection still accepts frames.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Enqueue marshals ev and queues it without blocking.
func (c *Connection) Enqueue(ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return c.EnqueueRaw(data)
}

// EnqueueRaw queues a pre-encoded frame. It fails with ErrConnectionWrite
// when the connection is dead or its queue is full.
func (c *Connection) EnqueueRaw(data []byte) error {
	if !c.alive.Load() {
		return fmt.Errorf("%w: connection %s closed", types.ErrConnectionWrite, c.ID)
	}
	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection %s closed", types.ErrConnectionWrite, c.ID)
	default:
		return fmt.Errorf("%w: connection %s queue full", types.ErrConnectionWrite, c.ID)
	}
}

func (c *Connection) writeLoop() {
	defer close(c.stopped)
	for {
		select {
		case data := <-c.queue:
			if !c.write(data) {
				return
			}
		case <-c.done:
			// flush what was queued before the close
			for {
				select {
				case data := <-c.queue:
					if !c.write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) write(data []byte) bool {
	if err := c.transport.SendRaw(data); err != nil {
		c.alive.Store(false)
		logger.Warn("connection write failed",
			"session_id", c.SessionID, "client_id", c.ClientID, "connection_id", c.ID, "error", err)
		if c.onWriteError != nil {
			go c.onWriteError(c, err)
		}
		return false
	}
	return true
}

// Close stops accepting frames, flushes the queue and closes the transport.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
		<-c.stopped
		err = c.transport.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
