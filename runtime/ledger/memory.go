package ledger

import (
	"context"
	"sync"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]types.Message
	closed   bool
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]types.Message)}
}

// Append implements Ledger.
func (m *Memory) Append(_ context.Context, msg *types.Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	msg.Seq = int64(len(m.sessions[msg.SessionID])) + 1
	m.sessions[msg.SessionID] = append(m.sessions[msg.SessionID], *msg)
	return msg.Seq, nil
}

// ListSince implements Ledger.
func (m *Memory) ListSince(ctx context.Context, sessionID string, since int64) ([]types.Message, error) {
	return m.ListSinceLimit(ctx, sessionID, since, 0)
}

// ListSinceLimit implements Ledger.
func (m *Memory) ListSinceLimit(_ context.Context, sessionID string, since int64, limit int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	msgs := m.sessions[sessionID]
	since = normalizeSince(since)
	if since >= int64(len(msgs)) {
		return []types.Message{}, nil
	}
	tail := msgs[since:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]types.Message, len(tail))
	copy(out, tail)
	return out, nil
}

// Purge implements Ledger.
func (m *Memory) Purge(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Len returns the number of messages stored for sessionID.
func (m *Memory) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}

// Close implements Ledger.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Ledger = (*Memory)(nil)
