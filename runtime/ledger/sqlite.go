package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_messages (
	stream TEXT NOT NULL,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (stream, session_id, seq)
);
`

// SQLite is a Ledger stored in a SQLite database file. Several streams may
// share one database; each SQLite value reads and writes a single stream.
type SQLite struct {
	db     *sql.DB
	stream string
	owned  bool
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// The returned ledger owns the connection and closes it on Close.
func OpenSQLite(ctx context.Context, path, stream string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps MAX(seq)+1 race-free and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	l, err := NewSQLite(ctx, db, stream)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewSQLite wraps an existing database handle. The caller keeps ownership of db.
func NewSQLite(ctx context.Context, db *sql.DB, stream string) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLite{db: db, stream: stream}, nil
}

// Append implements Ledger.
func (s *SQLite) Append(ctx context.Context, msg *types.Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}
	stored := *msg
	stored.Seq = 0
	body, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_messages WHERE stream = ? AND session_id = ?`,
		s.stream, msg.SessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_messages(stream, session_id, seq, body, created_at) VALUES(?, ?, ?, ?, ?)`,
		s.stream, msg.SessionID, seq, string(body), time.Now().UTC().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	msg.Seq = seq
	return seq, nil
}

// ListSince implements Ledger.
func (s *SQLite) ListSince(ctx context.Context, sessionID string, since int64) ([]types.Message, error) {
	return s.ListSinceLimit(ctx, sessionID, since, 0)
}

// ListSinceLimit implements Ledger.
func (s *SQLite) ListSinceLimit(ctx context.Context, sessionID string, since int64, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, body FROM ledger_messages
		WHERE stream = ? AND session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		s.stream, sessionID, normalizeSince(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []types.Message{}
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m types.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message %d: %w", seq, err)
		}
		m.Seq = seq
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Purge implements Ledger.
func (s *SQLite) Purge(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_messages WHERE stream = ? AND session_id = ?`, s.stream, sessionID,
	); err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	return nil
}

// Close implements Ledger.
func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so a second stream can share the file.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

var _ Ledger = (*SQLite)(nil)
