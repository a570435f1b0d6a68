package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goreply/internal/store"
)

// envelope wraps a snapshot with its expiry on disk.
type envelope struct {
	Key       string          `json:"key"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// SnapshotStore implements store.ConversationStore with one JSON file per conversation.
type SnapshotStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir, now: time.Now}, nil
}

func (s *SnapshotStore) path(key string) (string, error) {
	filename := store.SanitizeKey(key)
	if filename == "" || filename == "." || filename == ".." || !filepath.IsLocal(filename) {
		return "", os.ErrInvalid
	}
	return filepath.Join(s.dir, filename+".json"), nil
}

func (s *SnapshotStore) Get(_ context.Context, key string) (*store.ConversationSnapshot, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot file: %w", err)
	}
	if !env.ExpiresAt.IsZero() && !s.now().Before(env.ExpiresAt) {
		return nil, nil
	}
	return store.DecodeSnapshot(env.Snapshot)
}

func (s *SnapshotStore) Set(_ context.Context, key string, snap *store.ConversationSnapshot, ttl time.Duration) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Key: key, ExpiresAt: store.ExpiresAt(s.now(), ttl), Snapshot: raw})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(s.dir, "snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, p); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *SnapshotStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *SnapshotStore) Close() error { return nil }

// Sweep removes snapshot files whose expiry has passed.
func (s *SnapshotStore) Sweep(now time.Time) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		p := filepath.Join(s.dir, f.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt) {
			os.Remove(p)
		}
	}
}
