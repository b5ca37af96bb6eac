package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Redis is a Ledger backed by one Redis list per session. RPUSH returns the
// new list length, which is used as the sequence number, so concurrent
// appenders from any number of processes still get gap-free numbers.
type Redis struct {
	client redis.UniversalClient
	prefix string
	stream string
	ttl    time.Duration
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default is "collabkit".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithStream names the stream stored by this ledger. Default is "direct".
func WithStream(stream string) RedisOption {
	return func(r *Redis) {
		r.stream = stream
	}
}

// WithTTL expires idle session lists after ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// NewRedis creates a Redis-backed ledger.
//
// Example:
//
//	direct := ledger.NewRedis(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    ledger.WithStream("direct"),
//	    ledger.WithTTL(24*time.Hour),
//	)
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "collabkit",
		stream: string(types.KindDirect),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append implements Ledger.
func (r *Redis) Append(ctx context.Context, msg *types.Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}
	stored := *msg
	stored.Seq = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	key := r.key(msg.SessionID)
	var push *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis rpush failed: %w", err)
	}
	msg.Seq = push.Val()
	return msg.Seq, nil
}

// ListSince implements Ledger.
func (r *Redis) ListSince(ctx context.Context, sessionID string, since int64) ([]types.Message, error) {
	return r.ListSinceLimit(ctx, sessionID, since, 0)
}

// ListSinceLimit implements Ledger.
func (r *Redis) ListSinceLimit(ctx context.Context, sessionID string, since int64, limit int) ([]types.Message, error) {
	since = normalizeSince(since)
	stop := int64(-1)
	if limit > 0 {
		stop = since + int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, r.key(sessionID), since, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	out := make([]types.Message, 0, len(raw))
	for i, item := range raw {
		var m types.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message %d: %w", since+int64(i)+1, err)
		}
		m.Seq = since + int64(i) + 1
		out = append(out, m)
	}
	return out, nil
}

// Purge implements Ledger.
func (r *Redis) Purge(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close implements Ledger. The client is owned by the caller.
func (r *Redis) Close() error {
	return nil
}

func (r *Redis) key(sessionID string) string {
	return fmt.Sprintf("%s:ledger:%s:%s", r.prefix, r.stream, sessionID)
}

var _ Ledger = (*Redis)(nil)
