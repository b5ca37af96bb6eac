// Package ledger stores the ordered, append-only message history of each
// session. A Ledger instance holds one stream (broadcast or direct); within a
// session the sequence numbers it assigns start at 1 and have no gaps.
//
// Three backends are provided: Memory for tests and single-process
// deployments, Redis for shared deployments, and SQLite for a durable
// single-node file.
package ledger

import (
	"context"
	"errors"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Common errors returned by ledger implementations.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrClosed         = errors.New("ledger closed")
)

// Ledger is an append-only, per-session sequence store.
type Ledger interface {
	// Append stores msg, assigns msg.Seq and returns it. Sequence numbers
	// are gap-free and strictly increasing per session under concurrency.
	Append(ctx context.Context, msg *types.Message) (int64, error)

	// ListSince returns every message with Seq > since in ascending order.
	// Repeating the call with the same since returns the same prefix.
	ListSince(ctx context.Context, sessionID string, since int64) ([]types.Message, error)

	// ListSinceLimit is ListSince capped at limit entries. limit <= 0 means no cap.
	ListSinceLimit(ctx context.Context, sessionID string, since int64, limit int) ([]types.Message, error)

	// Purge drops the session's history.
	Purge(ctx context.Context, sessionID string) error

	// Close releases resources held by the ledger.
	Close() error
}

func validate(msg *types.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if msg.SessionID == "" {
		return errors.Join(ErrInvalidMessage, errors.New("missing session id"))
	}
	return nil
}

func normalizeSince(since int64) int64 {
	if since < 0 {
		return 0
	}
	return since
}
