package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by backend helpers when a key has no live row.
// ConversationStore.Get never returns it: absence is (nil, nil).
var ErrNotFound = errors.New("store: not found")

// HistoryRecord is one finalized turn side in a persisted conversation.
type HistoryRecord struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	PairID    string `json:"pairId"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// MessageRecord is an inbound message waiting to be folded into a pair.
type MessageRecord struct {
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`
	Text       string   `json:"text"`
	Resources  []string `json:"resources,omitempty"`
	Timestamp  int64    `json:"timestamp"` // unix ms
}

// PairRecord is an in-flight request/response pair.
type PairRecord struct {
	Assistant     string  `json:"assistant"`
	UserContent   *string `json:"userContent"`
	CreatedAt     int64   `json:"createdAt"`
	LastUpdatedAt int64   `json:"lastUpdatedAt"`
	Status        string  `json:"status"`
	SenderID      string  `json:"senderId,omitempty"`
}

// ConversationSnapshot is the flat, JSON-serializable state of one conversation.
type ConversationSnapshot struct {
	Conversations         []HistoryRecord       `json:"conversations"`
	PendingMessages       []MessageRecord       `json:"pendingMessages"`
	ProcessingMessages    []MessageRecord       `json:"processingMessages"`
	ActivePairs           map[string]PairRecord `json:"activePairs"`
	SenderLastMessageTime map[string]int64      `json:"senderLastMessageTime"`
}

// ConversationStore persists conversation snapshots keyed by conversation id.
type ConversationStore interface {
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, key string) (*ConversationSnapshot, error)
	// Set writes the snapshot. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, snap *ConversationSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Sweeper is implemented by stores that can drop expired rows in bulk.
type Sweeper interface {
	Sweep(now time.Time)
}

// EncodeSnapshot marshals a snapshot, normalizing nil collections to empty ones.
func EncodeSnapshot(snap *ConversationSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, errors.New("store: nil snapshot")
	}
	cp := *snap
	if cp.Conversations == nil {
		cp.Conversations = []HistoryRecord{}
	}
	if cp.PendingMessages == nil {
		cp.PendingMessages = []MessageRecord{}
	}
	if cp.ProcessingMessages == nil {
		cp.ProcessingMessages = []MessageRecord{}
	}
	if cp.ActivePairs == nil {
		cp.ActivePairs = map[string]PairRecord{}
	}
	if cp.SenderLastMessageTime == nil {
		cp.SenderLastMessageTime = map[string]int64{}
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot unmarshals a snapshot.
func DecodeSnapshot(data []byte) (*ConversationSnapshot, error) {
	var snap ConversationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ExpiresAt converts a ttl to an absolute expiry. Zero time means never.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// SanitizeKey turns a conversation key into a safe single path element.
func SanitizeKey(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", `\`, "_")
	return r.Replace(key)
}
