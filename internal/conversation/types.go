// Package conversation owns per-conversation history and in-flight request/response pairs.
//
// Every mutation of a conversation runs on that conversation's Executor worker, so
// operations for one conversation never interleave. Reads take a lock on the latest
// in-memory state and do not queue behind mutations.
package conversation

import "time"

// PairStatus is the lifecycle state of a Pair.
type PairStatus string

const (
	PairBuilding  PairStatus = "building"
	PairFinished  PairStatus = "finished"
	PairCancelled PairStatus = "cancelled"
)

// Message is an inbound message buffered before it is folded into a pair.
type Message struct {
	SenderID   string
	SenderName string
	MessageID  string
	Text       string
	Resources  []string
	Timestamp  time.Time
}

// HistoryEntry is one side of a finished pair.
type HistoryEntry struct {
	Role      string // "user" or "assistant"
	Content   string
	PairID    string
	Timestamp time.Time
}

// Pair is a request/response turn under construction.
type Pair struct {
	ID            string
	Assistant     string
	UserContent   *string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	Status        PairStatus
	SenderID      string
}

// State is the full state of one conversation.
type State struct {
	History               []HistoryEntry
	PendingMessages       []Message
	ProcessingMessages    []Message
	ActivePairs           map[string]*Pair
	SenderLastMessageTime map[string]int64 // unix ms
}

func newState() State {
	return State{
		ActivePairs:           make(map[string]*Pair),
		SenderLastMessageTime: make(map[string]int64),
	}
}

// HistoryQuery selects pairs for prompt context.
// With a window, pairs in [TimeStart, TimeEnd) are always returned and the most recent
// pairs outside it pad the result up to RecentPairs.
type HistoryQuery struct {
	TimeStart   *time.Time
	TimeEnd     *time.Time
	RecentPairs int
}

// PairView is a finished pair as seen by readers.
type PairView struct {
	PairID    string
	User      string
	Assistant string
	Timestamp time.Time
}

// PairSlice is a contiguous range of pairs by recency plus the timestamps it covers.
type PairSlice struct {
	Pairs []PairView
	MinTS time.Time
	MaxTS time.Time
}
