// Package admission decides whether an inbound chat message should trigger a reply attempt.
//
// Decisions run an ordered, short-circuiting pipeline: concurrency cap, private chat,
// attention set, fatigue gates, local reply-worth score, decaying accumulator and
// finally an optional LLM intervention. External failures always degrade to "no reply".
package admission

import (
	"context"
	"time"
)

// Rejection and admission reasons reported in Decision.Reason.
const (
	ReasonInvalidInput  = "invalid_input"
	ReasonQueued        = "queued"
	ReasonQueueFull     = "queue_full"
	ReasonPrivate       = "private_chat"
	ReasonNotAttended   = "attention_full"
	ReasonGroupFatigue  = "group_fatigue"
	ReasonSenderFatigue = "sender_fatigue"
	ReasonScorerIgnore  = "scorer_ignore"
	ReasonScorerError   = "scorer_error"
	ReasonAccumulating  = "accumulating"
	ReasonBusy          = "busy"
	ReasonPlannerNo     = "planner_declined"
	ReasonPlannerError  = "planner_error"
	ReasonMention       = "mention"
	ReasonThreshold     = "threshold"
	ReasonFollowup      = "followup"
	ReasonPendingMerged = "pending_merged"
	ReasonPlanner       = "planner"
)

// Message is the inbound message as seen by the controller.
type Message struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Resources      []string
	IsPrivate      bool
	Mentions       []string // ids explicitly mentioned in the message
	ReplyToBot     bool     // message quotes / replies to a bot message
	Timestamp      time.Time
}

// Signals carries per-message hints in and derived signals out.
// PendingMerged is supplied by the caller; the rest is filled by the controller.
type Signals struct {
	PendingMerged bool

	ExplicitMention bool
	NameHit         bool
	Followup        bool
	GroupFatigue    float64 // [0,1]
	SenderFatigue   float64 // [0,1]
	Prior           float64 // scorer's normalized score
	ScoreReason     string
}

// Decision is the outcome of Decide.
type Decision struct {
	NeedReply      bool
	Reason         string
	Mandatory      bool
	Probability    float64
	ConversationID string
	TaskID         string // set when admitted or queued
	Queued         bool
	Signals        Signals
}

// Task is an admitted or queued unit of reply work for one sender.
type Task struct {
	ID             string
	SenderKey      string
	ConversationID string
	CreatedAt      time.Time
	Message        Message
}

// ScoreVerdict is the scorer's coarse decision.
type ScoreVerdict string

const (
	VerdictIgnore ScoreVerdict = "ignore"
	VerdictLLM    ScoreVerdict = "llm"
)

// ScoreResult is returned by a Scorer.
type ScoreResult struct {
	Decision        ScoreVerdict
	Reason          string
	NormalizedScore float64 // [0,1]
}

// Scorer is the local reply-worth scorer.
type Scorer interface {
	Score(ctx context.Context, msg Message, sig Signals) (ScoreResult, error)
}

// PlanContext is the conversation context handed to the Planner.
type PlanContext struct {
	ConversationID string
	IsPrivate      bool
	RecentLines    []string
	ActiveTasks    int
}

// Policy tells the Planner how the controller is configured.
type Policy struct {
	LocalOnly            bool
	AlwaysReplyOnMention bool
}

// Plan is the LLM intervention verdict.
type Plan struct {
	ShouldReply bool
	Confidence  float64
	Reason      string
}

// Planner makes the final reply/no-reply call.
type Planner interface {
	PlanReply(ctx context.Context, msg Message, sig Signals, pc PlanContext, policy Policy) (Plan, error)
}

// ContextFunc returns recent conversation lines for the planner.
type ContextFunc func(conversationID string) []string

// Stats is a point-in-time view of controller counters.
type Stats struct {
	Admitted     int64            `json:"admitted"`
	Queued       int64            `json:"queued"`
	Promoted     int64            `json:"promoted"`
	Expired      int64            `json:"expired"`
	Rejected     map[string]int64 `json:"rejected"`
	ActiveTasks  int              `json:"active_tasks"`
	QueuedTasks  int              `json:"queued_tasks"`
	Accumulators int              `json:"accumulators"`
}
