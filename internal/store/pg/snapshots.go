package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/goreply/internal/store"
)

// DefaultTable is the snapshot table created by migrations/000001.
const DefaultTable = "conversation_snapshots"

// OpenDB opens a Postgres connection pool through the pgx stdlib driver and pings it.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// SnapshotStore implements store.ConversationStore backed by Postgres.
type SnapshotStore struct {
	db    *sql.DB
	table string // quoted identifier
	now   func() time.Time
}

// NewSnapshotStore wraps db. table is the unquoted table name ("" = DefaultTable).
func NewSnapshotStore(db *sql.DB, table string) *SnapshotStore {
	if table == "" {
		table = DefaultTable
	}
	return &SnapshotStore{db: db, table: pq.QuoteIdentifier(table), now: time.Now}
}

func (s *SnapshotStore) Get(ctx context.Context, key string) (*store.ConversationSnapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+s.table+` WHERE conv_key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return store.DecodeSnapshot(data)
}

func (s *SnapshotStore) Set(ctx context.Context, key string, snap *store.ConversationSnapshot, ttl time.Duration) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	now := s.now()
	var expiresAt sql.NullTime
	if exp := store.ExpiresAt(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullTime{Time: exp, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (conv_key, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conv_key) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		key, string(data), expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE conv_key = $1`, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

// Sweep deletes expired rows.
func (s *SnapshotStore) Sweep(now time.Time) {
	res, err := s.db.Exec(`DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		slog.Warn("pg: sweep expired snapshots failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("pg: swept expired snapshots", "count", n)
	}
}
