// Package sendqueue batches, deduplicates and paces outbound replies before they reach a transport.
package sendqueue

import (
	"context"
	"time"
)

// Drop reasons reported in Result.Reason.
const (
	ReasonFused             = "fused"
	ReasonPureReply         = "pure_reply"
	ReasonDuplicate         = "duplicate"
	ReasonDuplicateResource = "duplicate_resources"
	ReasonRecentDuplicate   = "recent_duplicate"
	ReasonCleared           = "cleared"
	ReasonClosed            = "closed"
)

// Meta describes an outbound item for batching and dedup.
type Meta struct {
	GroupID      string   // conversation the reply belongs to; empty disables batching
	Target       string   // transport target (channel + chat); fusion requires one target per batch
	Response     string   // reply text as sent
	TextForDedup string   // text compared for similarity; defaults to Response
	ResourceKeys []string // attached media keys
	AllowReply   bool
	HasTool      bool
	Immediate    bool // skip the collection window and use the short reply interval
	Private      bool // one-to-one chat; selects UserReplyMinInterval for immediate items
}

// Payload is what the send function receives after batch reduction.
// Text and Resources may have been rewritten by fusion or resource diffing.
type Payload struct {
	TaskID    string
	Text      string
	Resources []string
	Meta      Meta
}

// SendFunc performs the transport send. Its result is opaque to the queue.
type SendFunc func(ctx context.Context, p Payload) (any, error)

// Result resolves one Enqueue call.
type Result struct {
	Value   any
	Err     error
	Dropped bool
	Reason  string
}

// Similarity is a judge verdict. Score is zero when the judge has none.
type Similarity struct {
	Similar bool
	Score   float64
}

// SimilarityJudge compares two reply texts.
type SimilarityJudge interface {
	Judge(ctx context.Context, a, b string) (Similarity, error)
}

// FusionCandidate is one batched reply offered to a Fuser.
type FusionCandidate struct {
	TaskID    string
	Text      string
	Resources []string
}

// FusionResult is a fused reply. A nil result means "do not fuse".
type FusionResult struct {
	Segments []string
	Reason   string
}

// Fuser merges several replies into one.
type Fuser interface {
	Fuse(ctx context.Context, groupID string, candidates []FusionCandidate) (*FusionResult, error)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued         int              `json:"queued"`
	Enqueued       int64            `json:"enqueued"`
	Sent           int64            `json:"sent"`
	Failed         int64            `json:"failed"`
	Dropped        map[string]int64 `json:"dropped"`
	Batches        int64            `json:"batches"`
	CooldownGroups int              `json:"cooldown_groups"`
	RecentGroups   int              `json:"recent_groups"`
}

// Item is a queued send.
type Item struct {
	TaskID   string
	Meta     Meta
	ctx      context.Context
	send     SendFunc
	payload  Payload
	dedup    string // comparison text; blanked when the item is reduced to its novel resources
	result   chan Result
	enqueued time.Time
}

type recentEntry struct {
	Text      string
	Resources []string
	TS        time.Time
}
