package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goreply/internal/store"
)

func openTemp(t *testing.T) *SnapshotStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, "c1", &store.ConversationSnapshot{
		PendingMessages: []store.MessageRecord{{SenderID: "u1", Text: "one", Timestamp: 1}},
	}, 0))
	require.NoError(t, s.Set(ctx, "c1", &store.ConversationSnapshot{
		PendingMessages: []store.MessageRecord{{SenderID: "u1", Text: "two", Timestamp: 2}},
	}, 0))

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.PendingMessages, 1)
	assert.Equal(t, "two", got.PendingMessages[0].Text)

	require.NoError(t, s.Delete(ctx, "c1"))
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteExpiry(t *testing.T) {
	s := openTemp(t)
	now := time.UnixMilli(10_000)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "c1", &store.ConversationSnapshot{}, time.Second))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	now = now.Add(time.Second)
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	s.Sweep(now)
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM conversation_snapshots`).Scan(&n))
	assert.Equal(t, 0, n)
}
