package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps snapshots in process memory. Used for backend "memory" and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*ConversationSnapshot, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	return DecodeSnapshot(e.data)
}

func (s *MemoryStore) Set(_ context.Context, key string, snap *ConversationSnapshot, ttl time.Duration) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{data: data, expiresAt: ExpiresAt(s.now(), ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// NopStore discards writes and never finds anything (backend "none").
type NopStore struct{}

func (NopStore) Get(context.Context, string) (*ConversationSnapshot, error) { return nil, nil }
func (NopStore) Set(context.Context, string, *ConversationSnapshot, time.Duration) error {
	return nil
}
func (NopStore) Delete(context.Context, string) error { return nil }
func (NopStore) Close() error                         { return nil }
