package sendqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/textsim"
)

const recentCompare = 3

// Options wires the queue's collaborators. Judge and Fuser may be nil.
type Options struct {
	Judge SimilarityJudge
	Fuser Fuser
	Now   func() time.Time
}

// Queue is the outbound send queue. A single worker drains a global FIFO.
type Queue struct {
	cfg    config.SendQueueConfig
	judge  SimilarityJudge
	fuser  Fuser
	now    func() time.Time
	tracer trace.Tracer

	mu       sync.Mutex
	items    []*Item
	cooldown map[string]time.Time     // group → fast path cooldown end
	recent   map[string][]recentEntry // group → sends, oldest first
	closed   bool

	enqueued, sent, failed, batches int64
	dropped                         map[string]int64

	nextSend time.Time // worker only
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Queue and starts its worker. Call Close to stop it.
func New(cfg config.SendQueueConfig, opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		judge:    opts.Judge,
		fuser:    opts.Fuser,
		now:      now,
		tracer:   otel.Tracer("github.com/nextlevelbuilder/goreply/internal/sendqueue"),
		cooldown: make(map[string]time.Time),
		recent:   make(map[string][]recentEntry),
		dropped:  make(map[string]int64),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enqueue schedules a send. The returned channel yields exactly one Result.
// ctx is passed to send and checked before dispatch.
func (q *Queue) Enqueue(ctx context.Context, send SendFunc, taskID string, meta Meta) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	it := &Item{
		TaskID: taskID,
		Meta:   meta,
		ctx:    ctx,
		send:   send,
		payload: Payload{
			TaskID:    taskID,
			Text:      meta.Response,
			Resources: append([]string(nil), meta.ResourceKeys...),
			Meta:      meta,
		},
		dedup:    meta.TextForDedup,
		result:   make(chan Result, 1),
		enqueued: q.now(),
	}
	if it.dedup == "" {
		it.dedup = meta.Response
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(it, ReasonClosed)
		return it.result
	}
	q.items = append(q.items, it)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.result
}

// Clear drops every queued item and forgets cooldowns and recent sends.
// A batch already taken by the worker is not affected.
func (q *Queue) Clear() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.cooldown = make(map[string]time.Time)
	q.recent = make(map[string][]recentEntry)
	q.mu.Unlock()

	for _, it := range items {
		q.drop(it, ReasonCleared)
	}
	if len(items) > 0 {
		slog.Info("sendqueue: cleared", "dropped", len(items))
	}
}

// Close stops the worker. Items not yet dispatched resolve as dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

// Stats returns counters and queue depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := make(map[string]int64, len(q.dropped))
	for k, v := range q.dropped {
		dropped[k] = v
	}
	return Stats{
		Queued:         len(q.items),
		Enqueued:       q.enqueued,
		Sent:           q.sent,
		Failed:         q.failed,
		Dropped:        dropped,
		Batches:        q.batches,
		CooldownGroups: len(q.cooldown),
		RecentGroups:   len(q.recent),
	}
}

// Sweep forgets expired recent sends and cooldowns.
func (q *Queue) Sweep(now time.Time) {
	ttl := q.cfg.RecentTTL.Std()
	q.mu.Lock()
	defer q.mu.Unlock()
	for group, until := range q.cooldown {
		if !now.Before(until) {
			delete(q.cooldown, group)
		}
	}
	for group, entries := range q.recent {
		entries = pruneRecent(entries, now, ttl)
		if len(entries) == 0 {
			delete(q.recent, group)
			continue
		}
		q.recent[group] = entries
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		head := q.next()
		if head == nil {
			q.drain()
			return
		}
		batch := []*Item{head}
		if head.Meta.GroupID != "" && !head.Meta.Immediate {
			if !q.sleep(q.cfg.SendDelay.Std()) {
				q.drop(head, ReasonClosed)
				q.drain()
				return
			}
			batch = append(batch, q.takeGroup(head.Meta.GroupID)...)
		}
		q.process(batch)
	}
}

func (q *Queue) next() *Item {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

// takeGroup removes and returns every queued item for group, in enqueue order.
func (q *Queue) takeGroup(group string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []*Item
	rest := make([]*Item, 0, len(q.items))
	for _, it := range q.items {
		if it.Meta.GroupID == group {
			taken = append(taken, it)
			continue
		}
		rest = append(rest, it)
	}
	q.items = rest
	return taken
}

func (q *Queue) drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	for _, it := range items {
		q.drop(it, ReasonClosed)
	}
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *Queue) process(batch []*Item) {
	group := batch[0].Meta.GroupID
	ctx, span := q.tracer.Start(q.ctx, "sendqueue.batch", trace.WithAttributes(
		attribute.String("conversation.id", group),
		attribute.Int("sendqueue.batch_size", len(batch)),
	))
	defer span.End()

	q.mu.Lock()
	q.batches++
	q.mu.Unlock()

	batch = q.fuse(ctx, batch)
	batch, fast := q.pureReply(batch)
	if q.cfg.Dedup {
		// the fast path leaves a single survivor, so only the recent-send check applies
		if !fast {
			batch = q.dedupBatch(ctx, batch)
		}
		batch = q.dedupRecent(ctx, batch)
	}
	span.SetAttributes(
		attribute.Int("sendqueue.dispatched", len(batch)),
		attribute.Bool("sendqueue.pure_reply", fast),
	)
	q.dispatch(batch)
}

// fuse replaces a same-target batch with its last item carrying the fused text.
func (q *Queue) fuse(ctx context.Context, batch []*Item) []*Item {
	if !q.cfg.Fusion || q.fuser == nil || len(batch) < max(q.cfg.FusionMinBatch, 2) {
		return batch
	}
	target := batch[0].Meta.Target
	cands := make([]FusionCandidate, 0, len(batch))
	for _, it := range batch {
		if it.Meta.Target != target {
			return batch
		}
		cands = append(cands, FusionCandidate{TaskID: it.TaskID, Text: it.payload.Text, Resources: it.payload.Resources})
	}

	res, err := safeCall(func() (*FusionResult, error) {
		return q.fuser.Fuse(ctx, batch[0].Meta.GroupID, cands)
	})
	if err != nil {
		slog.Warn("sendqueue: fusion failed, sending unfused", "conversation", batch[0].Meta.GroupID, "error", err)
		return batch
	}
	if res == nil {
		return batch
	}
	var segments []string
	for _, s := range res.Segments {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return batch
	}

	last := batch[len(batch)-1]
	var resources []string
	for _, it := range batch {
		resources = union(resources, it.payload.Resources)
	}
	last.payload.Text = strings.Join(segments, "\n")
	last.payload.Resources = resources
	last.dedup = last.payload.Text
	for _, it := range batch[:len(batch)-1] {
		q.drop(it, ReasonFused)
	}
	slog.Info("sendqueue: fused batch", "conversation", last.Meta.GroupID, "items", len(batch), "reason", res.Reason)
	return []*Item{last}
}

// pureReply keeps only the last item of a large tool-free batch and starts a cooldown.
func (q *Queue) pureReply(batch []*Item) ([]*Item, bool) {
	threshold := q.cfg.PureReplyThreshold
	group := batch[0].Meta.GroupID
	if threshold <= 0 || len(batch) < threshold || group == "" {
		return batch, false
	}
	for _, it := range batch {
		if it.Meta.HasTool {
			return batch, false
		}
	}

	now := q.now()
	q.mu.Lock()
	if until, ok := q.cooldown[group]; ok && now.Before(until) {
		q.mu.Unlock()
		return batch, false
	}
	q.cooldown[group] = now.Add(q.cfg.PureReplyCooldown.Std())
	q.mu.Unlock()

	for _, it := range batch[:len(batch)-1] {
		q.drop(it, ReasonPureReply)
	}
	slog.Debug("sendqueue: pure reply fast path", "conversation", group, "batch", len(batch))
	return batch[len(batch)-1:], true
}

// dedupBatch drops items similar to an earlier kept item unless they carry novel resources,
// in which case they are reduced to those resources.
func (q *Queue) dedupBatch(ctx context.Context, batch []*Item) []*Item {
	if len(batch) < 2 {
		return batch
	}
	kept := make([]*Item, 0, len(batch))
	var covered []string
	for _, it := range batch {
		if it.dedup == "" {
			novel := diff(it.payload.Resources, covered)
			if len(it.payload.Resources) > 0 && len(novel) == 0 {
				q.drop(it, ReasonDuplicateResource)
				continue
			}
			it.payload.Resources = novel
			covered = union(covered, novel)
			kept = append(kept, it)
			continue
		}

		similar := false
		for _, k := range kept {
			if q.similar(ctx, k.dedup, it.dedup) {
				similar = true
				break
			}
		}
		if similar {
			novel := diff(it.payload.Resources, covered)
			if len(novel) == 0 {
				q.drop(it, ReasonDuplicate)
				continue
			}
			q.reduceToResources(it, novel)
		}
		covered = union(covered, it.payload.Resources)
		kept = append(kept, it)
	}
	return kept
}

// dedupRecent checks survivors against the last sends remembered for their conversation.
func (q *Queue) dedupRecent(ctx context.Context, batch []*Item) []*Item {
	kept := make([]*Item, 0, len(batch))
	for _, it := range batch {
		group := it.Meta.GroupID
		if group == "" || (it.dedup == "" && len(it.payload.Resources) == 0) {
			kept = append(kept, it)
			continue
		}
		dropped := false
		for _, e := range q.recentFor(group) {
			// items without text compare by resources alone
			if it.dedup != "" && !q.similar(ctx, e.Text, it.dedup) {
				continue
			}
			novel := diff(it.payload.Resources, e.Resources)
			if len(novel) == 0 {
				q.drop(it, ReasonRecentDuplicate)
				dropped = true
				break
			}
			q.reduceToResources(it, novel)
		}
		if !dropped {
			kept = append(kept, it)
		}
	}
	return kept
}

func (q *Queue) reduceToResources(it *Item, resources []string) {
	it.payload.Text = ""
	it.payload.Resources = resources
	it.dedup = ""
	slog.Debug("sendqueue: reduced to novel resources", "conversation", it.Meta.GroupID, "task", it.TaskID, "resources", len(resources))
}

// similar reports whether two texts match. Judge failures count as "not similar".
func (q *Queue) similar(ctx context.Context, a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if textsim.Normalize(a) == textsim.Normalize(b) {
		return true
	}
	if q.judge == nil {
		return false
	}
	res, err := safeCall(func() (Similarity, error) { return q.judge.Judge(ctx, a, b) })
	if err != nil {
		slog.Debug("sendqueue: similarity judge failed, treating as distinct", "error", err)
		return false
	}
	return res.Similar
}

func (q *Queue) recentFor(group string) []recentEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := pruneRecent(q.recent[group], q.now(), q.cfg.RecentTTL.Std())
	q.recent[group] = entries
	if len(entries) == 0 {
		delete(q.recent, group)
		return nil
	}
	if len(entries) > recentCompare {
		entries = entries[len(entries)-recentCompare:]
	}
	return append([]recentEntry(nil), entries...)
}

func (q *Queue) remember(it *Item) {
	group := it.Meta.GroupID
	if group == "" {
		return
	}
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := pruneRecent(q.recent[group], now, q.cfg.RecentTTL.Std())
	entries = append(entries, recentEntry{Text: it.dedup, Resources: it.payload.Resources, TS: now})
	if limit := q.cfg.RecentMax; limit > 0 && len(entries) > limit {
		entries = append([]recentEntry(nil), entries[len(entries)-limit:]...)
	}
	q.recent[group] = entries
}

func pruneRecent(entries []recentEntry, now time.Time, ttl time.Duration) []recentEntry {
	if ttl <= 0 {
		return entries
	}
	i := 0
	for i < len(entries) && now.Sub(entries[i].TS) >= ttl {
		i++
	}
	return entries[i:]
}

// dispatch sends survivors in order with spacing between sends.
func (q *Queue) dispatch(batch []*Item) {
	for i, it := range batch {
		if wait := time.Until(q.nextSend); wait > 0 && !q.sleep(wait) {
			for _, rest := range batch[i:] {
				q.drop(rest, ReasonClosed)
			}
			return
		}
		if err := it.ctx.Err(); err != nil {
			q.fail(it, err)
			continue
		}

		v, err := safeCall(func() (any, error) { return it.send(it.ctx, it.payload) })
		q.nextSend = time.Now().Add(q.interval(it))
		if err != nil {
			q.fail(it, err)
			continue
		}
		q.remember(it)
		q.mu.Lock()
		q.sent++
		q.mu.Unlock()
		slog.Debug("sendqueue: sent", "conversation", it.Meta.GroupID, "task", it.TaskID,
			"text", textsim.Preview(it.payload.Text, 60), "resources", len(it.payload.Resources))
		it.result <- Result{Value: v}
		close(it.result)
	}
}

func (q *Queue) interval(it *Item) time.Duration {
	if !it.Meta.Immediate {
		return q.cfg.SendDelay.Std()
	}
	if it.Meta.Private {
		return q.cfg.UserReplyMinInterval.Std()
	}
	return q.cfg.GroupReplyMinInterval.Std()
}

func (q *Queue) fail(it *Item, err error) {
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	slog.Warn("sendqueue: send failed", "conversation", it.Meta.GroupID, "task", it.TaskID, "error", err)
	it.result <- Result{Err: err}
	close(it.result)
}

func (q *Queue) drop(it *Item, reason string) {
	q.mu.Lock()
	q.dropped[reason]++
	q.mu.Unlock()
	slog.Debug("sendqueue: dropped", "conversation", it.Meta.GroupID, "task", it.TaskID, "reason", reason)
	it.result <- Result{Dropped: true, Reason: reason}
	close(it.result)
}

// diff returns the keys of a not present in b, in a's order.
func diff(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, k := range b {
		seen[k] = true
	}
	var out []string
	for _, k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func union(a, b []string) []string {
	return append(append([]string(nil), a...), diff(b, a)...)
}

func safeCall[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
