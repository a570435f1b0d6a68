package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goreply/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubScorer struct {
	res   ScoreResult
	err   error
	panic bool
	calls atomic.Int32
}

func (s *stubScorer) Score(context.Context, Message, Signals) (ScoreResult, error) {
	s.calls.Add(1)
	if s.panic {
		panic("scorer exploded")
	}
	return s.res, s.err
}

type stubPlanner struct {
	plan  Plan
	err   error
	calls atomic.Int32
}

func (p *stubPlanner) PlanReply(context.Context, Message, Signals, PlanContext, Policy) (Plan, error) {
	p.calls.Add(1)
	return p.plan, p.err
}

// bareConfig disables every gate; tests switch on what they exercise.
func bareConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		MaxConcurrentPerSender: 1,
		QueueTimeout:           config.Duration(30 * time.Second),
		LocalOnly:              true,
		AlwaysReplyOnMention:   true,
		FollowupWindow:         config.Duration(time.Minute),
	}
}

func groupMsg(sender, text string) Message {
	return Message{ConversationID: "g1", SenderID: sender, Text: text}
}

func mention(sender, text string) Message {
	m := groupMsg(sender, text)
	m.Mentions = []string{"bot"}
	return m
}

func newController(cfg config.AdmissionConfig, clock *fakeClock, opts Options) *Controller {
	opts.BotID = "bot"
	opts.Now = clock.Now
	return New(cfg, opts)
}

func TestInvalidInputRejectedWithoutCalls(t *testing.T) {
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 1}}
	c := newController(bareConfig(), newClock(), Options{Scorer: scorer})

	tests := []Message{
		{ConversationID: "g1", SenderID: "", Text: "hi"},
		{ConversationID: "g1", SenderID: "u1", Text: "   "},
		{ConversationID: "", SenderID: "u1", Text: "hi"},
	}
	for _, msg := range tests {
		d := c.Decide(context.Background(), msg, Signals{})
		assert.False(t, d.NeedReply)
		assert.Equal(t, ReasonInvalidInput, d.Reason)
	}
	assert.Zero(t, scorer.calls.Load())

	// resources alone are a valid message
	d := c.Decide(context.Background(), Message{ConversationID: "g1", SenderID: "u1", Resources: []string{"img"}, IsPrivate: true}, Signals{})
	assert.True(t, d.NeedReply)
}

func TestBurstFromOneSenderQueuesThenPromotesOne(t *testing.T) {
	clock := newClock()
	c := newController(bareConfig(), clock, Options{})
	ctx := context.Background()

	var admitted []Decision
	queued := 0
	for i := 0; i < 3; i++ {
		d := c.Decide(ctx, mention("S", "hey bot"), Signals{})
		if d.NeedReply {
			admitted = append(admitted, d)
		}
		if d.Queued {
			queued++
		}
		clock.Advance(20 * time.Millisecond)
	}
	require.Len(t, admitted, 1)
	assert.Equal(t, 2, queued)
	assert.Equal(t, 1, c.ActiveCount("S"))
	assert.Equal(t, 2, c.QueueLen("S"))

	promoted := c.CompleteTask("S", admitted[0].TaskID)
	require.NotNil(t, promoted)
	assert.Equal(t, "S", promoted.SenderKey)
	assert.Equal(t, 1, c.ActiveCount("S"))
	assert.Equal(t, 1, c.QueueLen("S"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(1), stats.Promoted)
}

func TestActiveTasksNeverExceedCap(t *testing.T) {
	cfg := bareConfig()
	cfg.MaxConcurrentPerSender = 2
	c := newController(cfg, newClock(), Options{})

	var wg sync.WaitGroup
	var over atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Decide(context.Background(), Message{ConversationID: "dm", SenderID: "S", Text: "x", IsPrivate: true}, Signals{})
			if c.ActiveCount("S") > cfg.MaxConcurrentPerSender {
				over.Add(1)
			}
			if d.NeedReply && d.TaskID == "" {
				over.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, over.Load())
	assert.Equal(t, 2, c.ActiveCount("S"))
	assert.Equal(t, 48, c.QueueLen("S"))
}

func TestQueuedTaskExpires(t *testing.T) {
	clock := newClock()
	c := newController(bareConfig(), clock, Options{})
	ctx := context.Background()

	first := c.Decide(ctx, mention("S", "one"), Signals{})
	require.True(t, first.NeedReply)
	second := c.Decide(ctx, mention("S", "two"), Signals{})
	require.True(t, second.Queued)

	clock.Advance(31 * time.Second)
	assert.Nil(t, c.CompleteTask("S", first.TaskID))
	assert.Equal(t, 0, c.ActiveCount("S"))
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestQueueFull(t *testing.T) {
	cfg := bareConfig()
	cfg.MaxQueuePerSender = 1
	c := newController(cfg, newClock(), Options{})
	ctx := context.Background()

	require.True(t, c.Decide(ctx, mention("S", "a"), Signals{}).NeedReply)
	require.True(t, c.Decide(ctx, mention("S", "b"), Signals{}).Queued)
	d := c.Decide(ctx, mention("S", "c"), Signals{})
	assert.False(t, d.Queued)
	assert.Equal(t, ReasonQueueFull, d.Reason)
}

func TestPrivateChatIsMandatory(t *testing.T) {
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictIgnore}}
	c := newController(bareConfig(), newClock(), Options{Scorer: scorer})

	d := c.Decide(context.Background(), Message{ConversationID: "dm:1", SenderID: "u1", Text: "hello", IsPrivate: true}, Signals{})
	assert.True(t, d.NeedReply)
	assert.True(t, d.Mandatory)
	assert.Equal(t, ReasonPrivate, d.Reason)
	assert.Equal(t, "dm:1", d.ConversationID)
	assert.NotEmpty(t, d.TaskID)
	assert.Zero(t, scorer.calls.Load())
}

func TestAttentionSetBoundsSenders(t *testing.T) {
	cfg := bareConfig()
	cfg.Attention = config.AttentionConfig{Enabled: true, MaxSenders: 1, Window: config.Duration(time.Minute)}
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.9}}
	c := newController(cfg, clock, Options{Scorer: scorer})
	ctx := context.Background()

	a := c.Decide(ctx, mention("A", "hi bot"), Signals{})
	require.True(t, a.NeedReply)

	b := c.Decide(ctx, groupMsg("B", "what about me"), Signals{})
	assert.Equal(t, ReasonNotAttended, b.Reason)

	// a rejected message does not touch the set, A is still the member
	again := c.Decide(ctx, groupMsg("B", "hello?"), Signals{})
	assert.Equal(t, ReasonNotAttended, again.Reason)

	b2 := c.Decide(ctx, mention("B", "@bot me too"), Signals{})
	assert.True(t, b2.NeedReply)

	// entries expire with the window
	clock.Advance(2 * time.Minute)
	c.CompleteTask("B", b2.TaskID)
	d := c.Decide(ctx, groupMsg("C", "anyone"), Signals{})
	assert.True(t, d.NeedReply, d.Reason)
}

func TestFatigueRequiredIntervalMonotoneAndCapped(t *testing.T) {
	g := fatigueGate{cfg: config.FatigueGateConfig{
		Enabled:              true,
		BaseLimit:            3,
		MinInterval:          config.Duration(time.Second),
		BackoffFactor:        1.7,
		MaxBackoffMultiplier: 10,
	}}
	ceiling := 10 * time.Second
	prev := time.Duration(-1)
	for count := 0; count < 200; count++ {
		req := g.requiredInterval(count)
		assert.GreaterOrEqual(t, req, prev, "count=%d", count)
		assert.LessOrEqual(t, req, ceiling, "count=%d", count)
		prev = req
	}
	assert.Equal(t, ceiling, prev)
	assert.Zero(t, g.requiredInterval(3))
	assert.Equal(t, 1700*time.Millisecond, g.requiredInterval(4))
}

func TestGroupFatigueBacksOff(t *testing.T) {
	cfg := bareConfig()
	cfg.Fatigue.Group = config.FatigueGateConfig{
		Enabled:              true,
		Window:               config.Duration(time.Hour),
		BaseLimit:            1,
		MinInterval:          config.Duration(10 * time.Second),
		BackoffFactor:        2,
		MaxBackoffMultiplier: 4,
	}
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.9}}
	c := newController(cfg, clock, Options{Scorer: scorer})
	ctx := context.Background()

	run := func(sender string) Decision {
		d := c.Decide(ctx, groupMsg(sender, "some chatter"), Signals{})
		if d.NeedReply {
			c.CompleteTask(sender, d.TaskID)
		}
		return d
	}

	require.True(t, run("u1").NeedReply)
	require.True(t, run("u2").NeedReply)

	d := run("u3")
	assert.Equal(t, ReasonGroupFatigue, d.Reason)
	assert.InDelta(t, 0.5, d.Signals.GroupFatigue, 1e-9)

	// mention bypasses fatigue
	m := c.Decide(ctx, mention("u3", "bot?"), Signals{})
	require.True(t, m.NeedReply)
	c.CompleteTask("u3", m.TaskID)

	// now 3 replies in window: overload 2 → 40s
	clock.Advance(39 * time.Second)
	assert.Equal(t, ReasonGroupFatigue, run("u4").Reason)
	clock.Advance(2 * time.Second)
	assert.True(t, run("u4").NeedReply)
}

func TestScorerVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		scorer *stubScorer
		reason string
	}{
		{"ignore", &stubScorer{res: ScoreResult{Decision: VerdictIgnore}}, ReasonScorerIgnore},
		{"error fails closed", &stubScorer{err: errors.New("down")}, ReasonScorerError},
		{"panic fails closed", &stubScorer{panic: true}, ReasonScorerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(bareConfig(), newClock(), Options{Scorer: tt.scorer})
			d := c.Decide(context.Background(), groupMsg("u1", "hello there"), Signals{})
			assert.False(t, d.NeedReply)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestNameHitSkipsScorer(t *testing.T) {
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictIgnore}}
	c := newController(bareConfig(), newClock(), Options{Scorer: scorer, BotNames: []string{"Replybot"}})
	d := c.Decide(context.Background(), groupMsg("u1", "hey REPLYBOT what's up"), Signals{})
	assert.True(t, d.NeedReply)
	assert.True(t, d.Signals.NameHit)
	assert.Zero(t, scorer.calls.Load())
}

func gateConfig() config.AdmissionConfig {
	cfg := bareConfig()
	cfg.MaxConcurrentPerSender = 5
	cfg.Gate = config.GateConfig{
		Enabled:   true,
		Baseline:  0.25,
		Threshold: 1.0,
		HalfLife:  config.Duration(10 * time.Second),
	}
	return cfg
}

func TestAccumulatorCrossesThresholdAndResets(t *testing.T) {
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.75}}
	c := newController(gateConfig(), clock, Options{Scorer: scorer})
	ctx := context.Background()

	d := c.Decide(ctx, groupMsg("u1", "interesting"), Signals{})
	assert.Equal(t, ReasonAccumulating, d.Reason)
	assert.InDelta(t, 0.5, c.AccumulatorValue("g1", "u1"), 1e-9)

	d = c.Decide(ctx, groupMsg("u1", "more"), Signals{})
	require.True(t, d.NeedReply, d.Reason)
	assert.Equal(t, ReasonThreshold, d.Reason)
	assert.InDelta(t, 0.75, d.Probability, 1e-9)
	assert.Zero(t, c.AccumulatorValue("g1", "u1"))
}

func TestAccumulatorDecaysWithHalfLife(t *testing.T) {
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.75}}
	c := newController(gateConfig(), clock, Options{Scorer: scorer})

	c.Decide(context.Background(), groupMsg("u1", "hm"), Signals{})
	clock.Advance(10 * time.Second)
	assert.InDelta(t, 0.25, c.AccumulatorValue("g1", "u1"), 1e-9)

	// below baseline adds nothing, value never goes negative
	scorer.res.NormalizedScore = 0.05
	clock.Advance(10 * time.Second)
	c.Decide(context.Background(), groupMsg("u1", "ok"), Signals{})
	v := c.AccumulatorValue("g1", "u1")
	assert.InDelta(t, 0.125, v, 1e-9)
	assert.GreaterOrEqual(t, v, 0.0)
}

func TestAccumulatorBusyResets(t *testing.T) {
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.75}}
	c := newController(gateConfig(), clock, Options{Scorer: scorer})
	ctx := context.Background()

	// another sender holds an active task in g1
	busy := c.Decide(ctx, mention("other", "bot!"), Signals{})
	require.True(t, busy.NeedReply)

	c.Decide(ctx, groupMsg("u1", "a"), Signals{})
	d := c.Decide(ctx, groupMsg("u1", "b"), Signals{})
	assert.Equal(t, ReasonBusy, d.Reason)
	assert.Zero(t, c.AccumulatorValue("g1", "u1"))
}

func TestAccumulatorBypasses(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(c *Controller)
		sig    Signals
		reason string
	}{
		{"followup", func(c *Controller) { c.NoteBotReply("g1", "u1") }, Signals{}, ReasonFollowup},
		{"pending merged", func(*Controller) {}, Signals{PendingMerged: true}, ReasonPendingMerged},
		{"both count once", func(c *Controller) { c.NoteBotReply("g1", "u1") }, Signals{PendingMerged: true}, ReasonFollowup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.3}}
			c := newController(gateConfig(), clock, Options{Scorer: scorer})
			ctx := context.Background()

			c.Decide(ctx, groupMsg("u1", "warm up"), Signals{})
			require.Greater(t, c.AccumulatorValue("g1", "u1"), 0.0)

			tt.setup(c)
			d := c.Decide(ctx, groupMsg("u1", "and another thing"), tt.sig)
			require.True(t, d.NeedReply)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Zero(t, c.AccumulatorValue("g1", "u1"))
		})
	}
}

func TestFollowupWindowExpires(t *testing.T) {
	clock := newClock()
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.3}}
	c := newController(gateConfig(), clock, Options{Scorer: scorer})

	c.NoteBotReply("g1", "u1")
	clock.Advance(2 * time.Minute)
	d := c.Decide(context.Background(), groupMsg("u1", "late"), Signals{})
	assert.False(t, d.Signals.Followup)
	assert.Equal(t, ReasonAccumulating, d.Reason)
}

func TestPlannerIntervention(t *testing.T) {
	cfg := bareConfig()
	cfg.LocalOnly = false
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.9}}

	t.Run("declines", func(t *testing.T) {
		p := &stubPlanner{plan: Plan{ShouldReply: false, Confidence: 0.8}}
		c := newController(cfg, newClock(), Options{Scorer: scorer, Planner: p})
		d := c.Decide(context.Background(), groupMsg("u1", "hmm"), Signals{})
		assert.Equal(t, ReasonPlannerNo, d.Reason)
		assert.Equal(t, int32(1), p.calls.Load())
	})

	t.Run("error fails closed", func(t *testing.T) {
		p := &stubPlanner{err: errors.New("timeout")}
		c := newController(cfg, newClock(), Options{Scorer: scorer, Planner: p})
		d := c.Decide(context.Background(), groupMsg("u1", "hmm"), Signals{})
		assert.Equal(t, ReasonPlannerError, d.Reason)
		assert.Zero(t, c.ActiveCount("u1"))
	})

	t.Run("accepts with confidence", func(t *testing.T) {
		p := &stubPlanner{plan: Plan{ShouldReply: true, Confidence: 0.66}}
		c := newController(cfg, newClock(), Options{Scorer: scorer, Planner: p})
		d := c.Decide(context.Background(), groupMsg("u1", "hmm"), Signals{})
		require.True(t, d.NeedReply)
		assert.Equal(t, ReasonPlanner, d.Reason)
		assert.InDelta(t, 0.66, d.Probability, 1e-9)
	})

	t.Run("mention forced past planner", func(t *testing.T) {
		p := &stubPlanner{plan: Plan{ShouldReply: false}}
		c := newController(cfg, newClock(), Options{Scorer: scorer, Planner: p})
		d := c.Decide(context.Background(), mention("u1", "bot pls"), Signals{})
		require.True(t, d.NeedReply)
		assert.True(t, d.Mandatory)
		assert.Zero(t, p.calls.Load())
	})

	t.Run("local only skips planner for plain chatter", func(t *testing.T) {
		local := cfg
		local.LocalOnly = true
		p := &stubPlanner{plan: Plan{ShouldReply: false}}
		c := newController(local, newClock(), Options{Scorer: scorer, Planner: p})
		d := c.Decide(context.Background(), groupMsg("u1", "hmm"), Signals{})
		assert.True(t, d.NeedReply)
		assert.Zero(t, p.calls.Load())
	})
}

func TestSweepDropsIdleState(t *testing.T) {
	clock := newClock()
	cfg := gateConfig()
	cfg.MaxConcurrentPerSender = 1
	cfg.Attention = config.AttentionConfig{Enabled: true, MaxSenders: 3, Window: config.Duration(time.Minute)}
	scorer := &stubScorer{res: ScoreResult{Decision: VerdictLLM, NormalizedScore: 0.5}}
	c := newController(cfg, clock, Options{Scorer: scorer})
	ctx := context.Background()

	a := c.Decide(ctx, mention("S", "one"), Signals{})
	require.True(t, a.NeedReply)
	require.True(t, c.Decide(ctx, mention("S", "two"), Signals{}).Queued)
	c.Decide(ctx, groupMsg("u2", "noise"), Signals{})
	require.Equal(t, 1, c.Stats().Accumulators)

	clock.Advance(10 * time.Minute)
	c.Sweep(clock.Now())

	st := c.Stats()
	assert.Zero(t, st.QueuedTasks)
	assert.Zero(t, st.Accumulators)
	assert.Equal(t, int64(1), st.Expired)
	assert.Equal(t, 1, st.ActiveTasks)
}
