// Package sqlite stores conversation snapshots in a local SQLite database (pure Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goreply/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS conversation_snapshots (
	conv_key   TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
)`

// SnapshotStore implements store.ConversationStore on SQLite.
type SnapshotStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file (and parent dir) if needed and ensures the schema.
func Open(dbPath string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the conversation executor already serializes per key.
	db.SetMaxOpenConns(1)

	s := &SnapshotStore{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SnapshotStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, key string) (*store.ConversationSnapshot, error) {
	var (
		data      string
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM conversation_snapshots WHERE conv_key = ?`, key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	if expiresAt.Valid && s.now().UnixMilli() >= expiresAt.Int64 {
		return nil, nil
	}
	return store.DecodeSnapshot([]byte(data))
}

func (s *SnapshotStore) Set(ctx context.Context, key string, snap *store.ConversationSnapshot, ttl time.Duration) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	now := s.now()
	var expiresAt sql.NullInt64
	if exp := store.ExpiresAt(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_snapshots (conv_key, data, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conv_key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, string(data), expiresAt, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_snapshots WHERE conv_key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Sweep deletes expired rows.
func (s *SnapshotStore) Sweep(now time.Time) {
	res, err := s.db.Exec(`DELETE FROM conversation_snapshots WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		slog.Warn("sqlite: sweep expired snapshots failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("sqlite: swept expired snapshots", "count", n)
	}
}
