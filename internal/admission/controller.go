package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goreply/internal/config"
)

// Options wires the controller's collaborators. Scorer and Planner may be nil.
type Options struct {
	BotID    string
	BotNames []string
	Scorer   Scorer
	Planner  Planner
	Context  ContextFunc
	Now      func() time.Time
}

// Controller is the admission controller. Safe for concurrent use.
type Controller struct {
	cfg    config.AdmissionConfig
	botID  string
	names  []string
	scorer Scorer
	plan   Planner
	ctxFn  ContextFunc
	now    func() time.Time
	tracer trace.Tracer

	mu            sync.Mutex
	active        map[string]map[string]*Task // sender → task id → task
	activeByConv  map[string]int
	queues        map[string]*senderQueue
	attention     map[string]*attentionSet
	groupFatigue  map[string]*fatigueCounter
	senderFatigue map[string]*fatigueCounter
	gates         map[string]*gateAccumulator // conversation + sender
	botReplies    map[string]time.Time        // conversation + sender → last bot reply

	admitted, queued, promoted, expired int64
	rejected                            map[string]int64
}

// New creates a Controller.
func New(cfg config.AdmissionConfig, opts Options) *Controller {
	if cfg.MaxConcurrentPerSender < 1 {
		cfg.MaxConcurrentPerSender = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	names := make([]string, 0, len(opts.BotNames))
	for _, n := range opts.BotNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	return &Controller{
		cfg:           cfg,
		botID:         opts.BotID,
		names:         names,
		scorer:        opts.Scorer,
		plan:          opts.Planner,
		ctxFn:         opts.Context,
		now:           now,
		tracer:        otel.Tracer("github.com/nextlevelbuilder/goreply/internal/admission"),
		active:        make(map[string]map[string]*Task),
		activeByConv:  make(map[string]int),
		queues:        make(map[string]*senderQueue),
		attention:     make(map[string]*attentionSet),
		groupFatigue:  make(map[string]*fatigueCounter),
		senderFatigue: make(map[string]*fatigueCounter),
		gates:         make(map[string]*gateAccumulator),
		botReplies:    make(map[string]time.Time),
		rejected:      make(map[string]int64),
	}
}

func pairKey(conversationID, senderID string) string {
	return conversationID + "\x00" + senderID
}

// Decide runs the admission pipeline for msg.
func (c *Controller) Decide(ctx context.Context, msg Message, sig Signals) Decision {
	ctx, span := c.tracer.Start(ctx, "admission.decide", trace.WithAttributes(
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("sender.id", msg.SenderID),
		attribute.Bool("chat.private", msg.IsPrivate),
	))
	defer span.End()

	d := c.decide(ctx, msg, sig)
	d.ConversationID = msg.ConversationID

	span.SetAttributes(
		attribute.Bool("admission.need_reply", d.NeedReply),
		attribute.String("admission.reason", d.Reason),
		attribute.Float64("admission.probability", d.Probability),
	)

	c.mu.Lock()
	switch {
	case d.NeedReply:
		c.admitted++
	case d.Queued:
		c.queued++
	default:
		c.rejected[d.Reason]++
	}
	c.mu.Unlock()

	if d.NeedReply {
		slog.Info("admission: admitted", "conversation", msg.ConversationID, "sender", msg.SenderID,
			"reason", d.Reason, "task", d.TaskID, "probability", d.Probability)
	} else {
		slog.Debug("admission: not admitted", "conversation", msg.ConversationID, "sender", msg.SenderID,
			"reason", d.Reason, "queued", d.Queued)
	}
	return d
}

func reject(reason string, sig Signals) Decision {
	return Decision{Reason: reason, Signals: sig}
}

func (c *Controller) decide(ctx context.Context, msg Message, sig Signals) Decision {
	now := c.now()

	// 0. input validation
	if msg.SenderID == "" || msg.ConversationID == "" ||
		(strings.TrimSpace(msg.Text) == "" && len(msg.Resources) == 0) {
		return reject(ReasonInvalidInput, sig)
	}

	sig.ExplicitMention = c.isExplicitMention(msg)
	sig.NameHit = c.hasNameHit(msg.Text)
	addressed := sig.ExplicitMention || sig.NameHit

	c.mu.Lock()

	// 1. concurrency cap
	if d, deferred := c.deferLocked(msg, sig, now); deferred {
		c.mu.Unlock()
		return d
	}

	sig.Followup = msg.ReplyToBot || c.isFollowupLocked(msg, now)

	// 2. private chat
	if msg.IsPrivate {
		t := c.registerLocked(msg, now)
		c.mu.Unlock()
		return Decision{NeedReply: true, Reason: ReasonPrivate, Mandatory: true, Probability: 1, TaskID: t.ID, Signals: sig}
	}

	// 3. attention set
	if c.cfg.Attention.Enabled {
		set := c.attention[msg.ConversationID]
		if set != nil {
			set.prune(now, c.cfg.Attention.Window.Std())
			if !set.allows(msg.SenderID, c.cfg.Attention.MaxSenders) && !addressed {
				c.mu.Unlock()
				return reject(ReasonNotAttended, sig)
			}
		}
	}

	// 4. fatigue gates
	groupOK, groupFatigue := fatigueGate{c.cfg.Fatigue.Group}.check(c.groupFatigue[msg.ConversationID], now)
	senderOK, senderFatigue := fatigueGate{c.cfg.Fatigue.Sender}.check(c.senderFatigue[msg.SenderID], now)
	sig.GroupFatigue, sig.SenderFatigue = groupFatigue, senderFatigue
	c.mu.Unlock()

	if !addressed {
		if !groupOK {
			return reject(ReasonGroupFatigue, sig)
		}
		if !senderOK {
			return reject(ReasonSenderFatigue, sig)
		}
	}

	// 5. local reply-worth score
	prob := 1.0
	if !addressed && c.scorer != nil {
		res, err := safeCall(func() (ScoreResult, error) { return c.scorer.Score(ctx, msg, sig) })
		if err != nil {
			slog.Warn("admission: scorer failed", "conversation", msg.ConversationID, "error", err)
			return reject(ReasonScorerError, sig)
		}
		sig.ScoreReason = res.Reason
		if res.Decision == VerdictIgnore {
			return reject(ReasonScorerIgnore, sig)
		}
		prob = clamp01(res.NormalizedScore)
	}
	sig.Prior = prob

	// 6. decaying accumulator
	reason := ReasonThreshold
	switch {
	case sig.ExplicitMention || sig.NameHit:
		reason = ReasonMention
	case sig.Followup:
		// Follow-up and pending-merged together count as one bypass.
		reason = ReasonFollowup
	case sig.PendingMerged:
		reason = ReasonPendingMerged
	case c.cfg.Gate.Enabled:
		if d, ok := c.accumulate(msg, sig, prob, now); !ok {
			return d
		}
	}

	// 7. LLM intervention
	mandatory := false
	if sig.ExplicitMention && c.cfg.AlwaysReplyOnMention {
		mandatory = true
	} else if c.plan != nil && (!c.cfg.LocalOnly || addressed || sig.Followup) {
		p, err := c.callPlanner(ctx, msg, sig)
		if err != nil {
			slog.Warn("admission: planner failed", "conversation", msg.ConversationID, "error", err)
			return reject(ReasonPlannerError, sig)
		}
		if !p.ShouldReply {
			d := reject(ReasonPlannerNo, sig)
			d.Probability = clamp01(p.Confidence)
			return d
		}
		prob = clamp01(p.Confidence)
		if reason == ReasonThreshold {
			reason = ReasonPlanner
		}
	}

	// 8. admit
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, deferred := c.deferLocked(msg, sig, now); deferred {
		return d
	}
	t := c.registerLocked(msg, now)
	return Decision{NeedReply: true, Reason: reason, Mandatory: mandatory, Probability: prob, TaskID: t.ID, Signals: sig}
}

// accumulate feeds prob into the (conversation, sender) accumulator.
// Returns ok=true when the threshold was crossed with no active task in the conversation.
func (c *Controller) accumulate(msg Message, sig Signals, prob float64, now time.Time) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey(msg.ConversationID, msg.SenderID)
	acc := c.gates[key]
	if acc == nil {
		acc = &gateAccumulator{}
		c.gates[key] = acc
	}
	value := acc.add(now, c.cfg.Gate.HalfLife.Std(), prob, c.cfg.Gate.Baseline)
	if value < c.cfg.Gate.Threshold {
		d := reject(ReasonAccumulating, sig)
		d.Probability = prob
		return d, false
	}
	acc.reset(now)
	if c.activeByConv[msg.ConversationID] > 0 {
		d := reject(ReasonBusy, sig)
		d.Probability = prob
		return d, false
	}
	return Decision{}, true
}

func (c *Controller) callPlanner(ctx context.Context, msg Message, sig Signals) (Plan, error) {
	if timeout := c.cfg.PlannerTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	pc := PlanContext{ConversationID: msg.ConversationID, IsPrivate: msg.IsPrivate}
	if c.ctxFn != nil {
		pc.RecentLines = c.ctxFn(msg.ConversationID)
	}
	c.mu.Lock()
	pc.ActiveTasks = c.activeByConv[msg.ConversationID]
	c.mu.Unlock()

	policy := Policy{LocalOnly: c.cfg.LocalOnly, AlwaysReplyOnMention: c.cfg.AlwaysReplyOnMention}
	return safeCall(func() (Plan, error) { return c.plan.PlanReply(ctx, msg, sig, pc, policy) })
}

// deferLocked queues msg when the sender is at its concurrency cap.
func (c *Controller) deferLocked(msg Message, sig Signals, now time.Time) (Decision, bool) {
	if len(c.active[msg.SenderID]) < c.cfg.MaxConcurrentPerSender {
		return Decision{}, false
	}
	q := c.queues[msg.SenderID]
	if q == nil {
		q = &senderQueue{}
		c.queues[msg.SenderID] = q
	}
	c.expired += int64(q.dropStale(now, c.cfg.QueueTimeout.Std()))
	if c.cfg.MaxQueuePerSender > 0 && q.len() >= c.cfg.MaxQueuePerSender {
		return reject(ReasonQueueFull, sig), true
	}
	t := &Task{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SenderKey:      msg.SenderID,
		ConversationID: msg.ConversationID,
		CreatedAt:      now,
		Message:        msg,
	}
	q.push(t)
	return Decision{Reason: ReasonQueued, Queued: true, TaskID: t.ID, Signals: sig}, true
}

// registerLocked performs the admission bookkeeping and returns the new active task.
func (c *Controller) registerLocked(msg Message, now time.Time) *Task {
	t := &Task{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SenderKey:      msg.SenderID,
		ConversationID: msg.ConversationID,
		CreatedAt:      now,
		Message:        msg,
	}
	c.activateLocked(t, now)
	return t
}

func (c *Controller) activateLocked(t *Task, now time.Time) {
	tasks := c.active[t.SenderKey]
	if tasks == nil {
		tasks = make(map[string]*Task)
		c.active[t.SenderKey] = tasks
	}
	tasks[t.ID] = t
	c.activeByConv[t.ConversationID]++

	if acc := c.gates[pairKey(t.ConversationID, t.SenderKey)]; acc != nil {
		acc.reset(now)
	}
	if !t.Message.IsPrivate && c.cfg.Attention.Enabled {
		set := c.attention[t.ConversationID]
		if set == nil {
			set = newAttentionSet()
			c.attention[t.ConversationID] = set
		}
		set.touch(t.SenderKey, now, c.cfg.Attention.MaxSenders)
	}
	c.counter(c.groupFatigue, t.ConversationID).record(now)
	c.counter(c.senderFatigue, t.SenderKey).record(now)
}

func (c *Controller) counter(m map[string]*fatigueCounter, key string) *fatigueCounter {
	f := m[key]
	if f == nil {
		f = &fatigueCounter{}
		m[key] = f
	}
	return f
}

// CompleteTask releases taskID and promotes at most one queued task for the sender.
// The promoted task, if any, is already registered as active and must be run by the caller.
func (c *Controller) CompleteTask(senderKey, taskID string) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if tasks := c.active[senderKey]; tasks != nil {
		if t, ok := tasks[taskID]; ok {
			delete(tasks, taskID)
			if c.activeByConv[t.ConversationID]--; c.activeByConv[t.ConversationID] <= 0 {
				delete(c.activeByConv, t.ConversationID)
			}
		} else {
			slog.Debug("admission: complete for unknown task", "sender", senderKey, "task", taskID)
		}
		if len(tasks) == 0 {
			delete(c.active, senderKey)
		}
	}

	q := c.queues[senderKey]
	if q == nil {
		return nil
	}
	c.expired += int64(q.dropStale(now, c.cfg.QueueTimeout.Std()))
	var promoted *Task
	if len(c.active[senderKey]) < c.cfg.MaxConcurrentPerSender {
		promoted = q.pop()
	}
	if q.len() == 0 {
		delete(c.queues, senderKey)
	}
	if promoted == nil {
		return nil
	}
	c.activateLocked(promoted, now)
	c.promoted++
	slog.Debug("admission: promoted queued task", "sender", senderKey, "task", promoted.ID,
		"waited", now.Sub(promoted.CreatedAt))
	return promoted
}

// NoteBotReply records that the bot replied to sender in conversation; used for follow-up detection.
func (c *Controller) NoteBotReply(conversationID, senderID string) {
	c.mu.Lock()
	c.botReplies[pairKey(conversationID, senderID)] = c.now()
	c.mu.Unlock()
}

func (c *Controller) isFollowupLocked(msg Message, now time.Time) bool {
	window := c.cfg.FollowupWindow.Std()
	if window <= 0 {
		return false
	}
	last, ok := c.botReplies[pairKey(msg.ConversationID, msg.SenderID)]
	return ok && now.Sub(last) <= window
}

func (c *Controller) isExplicitMention(msg Message) bool {
	if c.botID == "" {
		return false
	}
	for _, m := range msg.Mentions {
		if m == c.botID {
			return true
		}
	}
	return false
}

func (c *Controller) hasNameHit(text string) bool {
	if len(c.names) == 0 || text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, n := range c.names {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of active tasks for sender.
func (c *Controller) ActiveCount(senderKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active[senderKey])
}

// QueueLen returns the number of queued tasks for sender.
func (c *Controller) QueueLen(senderKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.queues[senderKey]; q != nil {
		return q.len()
	}
	return 0
}

// AccumulatorValue returns the current decayed accumulator value for (conversation, sender).
func (c *Controller) AccumulatorValue(conversationID, senderID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc := c.gates[pairKey(conversationID, senderID)]
	if acc == nil {
		return 0
	}
	acc.decay(c.now(), c.cfg.Gate.HalfLife.Std())
	return acc.value
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Admitted:     c.admitted,
		Queued:       c.queued,
		Promoted:     c.promoted,
		Expired:      c.expired,
		Rejected:     make(map[string]int64, len(c.rejected)),
		Accumulators: len(c.gates),
	}
	for k, v := range c.rejected {
		s.Rejected[k] = v
	}
	for _, tasks := range c.active {
		s.ActiveTasks += len(tasks)
	}
	for _, q := range c.queues {
		s.QueuedTasks += q.len()
	}
	return s
}

// safeCall turns a collaborator panic into an error so callers can fail closed.
func safeCall[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collaborator panic: %v", r)
		}
	}()
	return fn()
}
