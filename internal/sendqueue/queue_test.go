package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goreply/internal/config"
)

type judgeFunc func(a, b string) (Similarity, error)

func (f judgeFunc) Judge(_ context.Context, a, b string) (Similarity, error) { return f(a, b) }

var alwaysSimilar = judgeFunc(func(string, string) (Similarity, error) {
	return Similarity{Similar: true, Score: 1}, nil
})

type fuserFunc func(group string, c []FusionCandidate) (*FusionResult, error)

func (f fuserFunc) Fuse(_ context.Context, group string, c []FusionCandidate) (*FusionResult, error) {
	return f(group, c)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

type recorder struct {
	mu   sync.Mutex
	sent []Payload
}

func (r *recorder) send(_ context.Context, p Payload) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return len(r.sent), nil
}

func (r *recorder) payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.sent...)
}

func testConfig() config.SendQueueConfig {
	return config.SendQueueConfig{
		SendDelay:             config.Duration(20 * time.Millisecond),
		GroupReplyMinInterval: config.Duration(time.Millisecond),
		UserReplyMinInterval:  config.Duration(time.Millisecond),
		Dedup:                 true,
		RecentTTL:             config.Duration(time.Minute),
		RecentMax:             10,
	}
}

func newQueue(t *testing.T, cfg config.SendQueueConfig, opts Options) *Queue {
	t.Helper()
	q := New(cfg, opts)
	t.Cleanup(q.Close)
	return q
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
		return Result{}
	}
}

func group(text string, resources ...string) Meta {
	return Meta{GroupID: "g1", Target: "ws:g1", Response: text, ResourceKeys: resources}
}

func TestBatchDedupDispatchesOne(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, testConfig(), Options{Judge: alwaysSimilar})
	ctx := context.Background()

	var chans []<-chan Result
	for _, text := range []string{"hello there", "hello there!", "hi there", "hello"} {
		chans = append(chans, q.Enqueue(ctx, rec.send, text, group(text)))
	}

	first := await(t, chans[0])
	require.NoError(t, first.Err)
	assert.False(t, first.Dropped)
	for _, ch := range chans[1:] {
		r := await(t, ch)
		assert.True(t, r.Dropped)
		assert.Equal(t, ReasonDuplicate, r.Reason)
	}
	require.Len(t, rec.payloads(), 1)
	assert.Equal(t, "hello there", rec.payloads()[0].Text)
	assert.Equal(t, int64(3), q.Stats().Dropped[ReasonDuplicate])
}

func TestBatchDedupResourceDiff(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, testConfig(), Options{Judge: alwaysSimilar})
	ctx := context.Background()

	r1 := q.Enqueue(ctx, rec.send, "t1", group("look at this", "a"))
	r2 := q.Enqueue(ctx, rec.send, "t2", group("look at this one", "a", "b"))
	r3 := q.Enqueue(ctx, rec.send, "t3", group("", "a"))
	r4 := q.Enqueue(ctx, rec.send, "t4", group("", "c"))

	assert.False(t, await(t, r1).Dropped)
	assert.False(t, await(t, r2).Dropped)
	d := await(t, r3)
	assert.True(t, d.Dropped)
	assert.Equal(t, ReasonDuplicateResource, d.Reason)
	assert.False(t, await(t, r4).Dropped)

	sent := rec.payloads()
	require.Len(t, sent, 3)
	assert.Equal(t, "look at this", sent[0].Text)
	assert.Equal(t, []string{"a"}, sent[0].Resources)
	assert.Equal(t, "", sent[1].Text)
	assert.Equal(t, []string{"b"}, sent[1].Resources)
	assert.Equal(t, []string{"c"}, sent[2].Resources)
}

func TestRecentDedupHonorsTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rec := &recorder{}
	q := newQueue(t, testConfig(), Options{Now: clock.Now})
	ctx := context.Background()

	assert.False(t, await(t, q.Enqueue(ctx, rec.send, "t1", group("good morning", "r"))).Dropped)

	again := await(t, q.Enqueue(ctx, rec.send, "t2", group("Good  morning", "r")))
	assert.True(t, again.Dropped)
	assert.Equal(t, ReasonRecentDuplicate, again.Reason)

	clock.Advance(time.Minute + time.Second)
	assert.False(t, await(t, q.Enqueue(ctx, rec.send, "t3", group("good morning", "r"))).Dropped)
	assert.Len(t, rec.payloads(), 2)
}

func TestRecentDedupSendsNovelResourcesOnly(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, testConfig(), Options{})
	ctx := context.Background()

	await(t, q.Enqueue(ctx, rec.send, "t1", group("photos", "p1")))
	r := await(t, q.Enqueue(ctx, rec.send, "t2", group("photos", "p1", "p2")))
	assert.False(t, r.Dropped)

	sent := rec.payloads()
	require.Len(t, sent, 2)
	assert.Equal(t, "", sent[1].Text)
	assert.Equal(t, []string{"p2"}, sent[1].Resources)

	// the resource-only send is remembered too
	dup := await(t, q.Enqueue(ctx, rec.send, "t3", group("", "p2")))
	assert.True(t, dup.Dropped)
}

func TestPureReplyFastPath(t *testing.T) {
	cfg := testConfig()
	cfg.PureReplyThreshold = 3
	cfg.PureReplyCooldown = config.Duration(10 * time.Second)
	rec := &recorder{}
	q := newQueue(t, cfg, Options{})
	ctx := context.Background()

	r1 := q.Enqueue(ctx, rec.send, "t1", group("one"))
	r2 := q.Enqueue(ctx, rec.send, "t2", group("two"))
	r3 := q.Enqueue(ctx, rec.send, "t3", group("three"))

	for _, ch := range []<-chan Result{r1, r2} {
		r := await(t, ch)
		assert.True(t, r.Dropped)
		assert.Equal(t, ReasonPureReply, r.Reason)
	}
	assert.False(t, await(t, r3).Dropped)
	assert.Equal(t, 1, q.Stats().CooldownGroups)

	// a later single reply is outside the fast-path batch
	r4 := await(t, q.Enqueue(ctx, rec.send, "t4", group("four")))
	assert.False(t, r4.Dropped)

	sent := rec.payloads()
	require.Len(t, sent, 2)
	assert.Equal(t, "three", sent[0].Text)
	assert.Equal(t, "four", sent[1].Text)
}

func TestPureReplySurvivorChecksRecentSends(t *testing.T) {
	cfg := testConfig()
	cfg.PureReplyThreshold = 3
	cfg.PureReplyCooldown = config.Duration(10 * time.Second)
	rec := &recorder{}
	q := newQueue(t, cfg, Options{})
	ctx := context.Background()

	require.False(t, await(t, q.Enqueue(ctx, rec.send, "t0", group("see you tomorrow"))).Dropped)

	r1 := q.Enqueue(ctx, rec.send, "t1", group("one"))
	r2 := q.Enqueue(ctx, rec.send, "t2", group("two"))
	r3 := q.Enqueue(ctx, rec.send, "t3", group("see you tomorrow"))

	for _, ch := range []<-chan Result{r1, r2} {
		assert.Equal(t, ReasonPureReply, await(t, ch).Reason)
	}
	last := await(t, r3)
	assert.True(t, last.Dropped)
	assert.Equal(t, ReasonRecentDuplicate, last.Reason)
	assert.Len(t, rec.payloads(), 1)
}

func TestPureReplySkippedInCooldownAndWithTools(t *testing.T) {
	cfg := testConfig()
	cfg.PureReplyThreshold = 2
	cfg.PureReplyCooldown = config.Duration(10 * time.Second)
	rec := &recorder{}
	q := newQueue(t, cfg, Options{})
	ctx := context.Background()

	withTool := group("tool result")
	withTool.HasTool = true
	a := q.Enqueue(ctx, rec.send, "a", group("plain"))
	b := q.Enqueue(ctx, rec.send, "b", withTool)
	assert.False(t, await(t, a).Dropped)
	assert.False(t, await(t, b).Dropped)
	assert.Equal(t, 0, q.Stats().CooldownGroups)

	c := q.Enqueue(ctx, rec.send, "c", group("x1"))
	d := q.Enqueue(ctx, rec.send, "d", group("x2"))
	assert.True(t, await(t, c).Dropped)
	assert.False(t, await(t, d).Dropped)

	e := q.Enqueue(ctx, rec.send, "e", group("y1"))
	f := q.Enqueue(ctx, rec.send, "f", group("y2"))
	assert.False(t, await(t, e).Dropped, "cooldown active")
	assert.False(t, await(t, f).Dropped)
}

func TestFusion(t *testing.T) {
	cfg := testConfig()
	cfg.Fusion = true
	cfg.FusionMinBatch = 2

	t.Run("fused", func(t *testing.T) {
		rec := &recorder{}
		var got []FusionCandidate
		q := newQueue(t, cfg, Options{Fuser: fuserFunc(func(g string, c []FusionCandidate) (*FusionResult, error) {
			assert.Equal(t, "g1", g)
			got = c
			return &FusionResult{Segments: []string{"first part", " ", "second part"}}, nil
		})})
		ctx := context.Background()

		r1 := q.Enqueue(ctx, rec.send, "t1", group("alpha", "a"))
		r2 := q.Enqueue(ctx, rec.send, "t2", group("beta", "b"))
		d := await(t, r1)
		assert.True(t, d.Dropped)
		assert.Equal(t, ReasonFused, d.Reason)
		assert.False(t, await(t, r2).Dropped)

		require.Len(t, got, 2)
		sent := rec.payloads()
		require.Len(t, sent, 1)
		assert.Equal(t, "first part\nsecond part", sent[0].Text)
		assert.Equal(t, []string{"a", "b"}, sent[0].Resources)
	})

	t.Run("failure sends unfused", func(t *testing.T) {
		rec := &recorder{}
		q := newQueue(t, cfg, Options{Fuser: fuserFunc(func(string, []FusionCandidate) (*FusionResult, error) {
			return nil, errors.New("model down")
		})})
		ctx := context.Background()

		r1 := q.Enqueue(ctx, rec.send, "t1", group("alpha"))
		r2 := q.Enqueue(ctx, rec.send, "t2", group("beta"))
		assert.False(t, await(t, r1).Dropped)
		assert.False(t, await(t, r2).Dropped)
		assert.Len(t, rec.payloads(), 2)
	})

	t.Run("mixed targets are not fused", func(t *testing.T) {
		rec := &recorder{}
		called := false
		q := newQueue(t, cfg, Options{Fuser: fuserFunc(func(string, []FusionCandidate) (*FusionResult, error) {
			called = true
			return &FusionResult{Segments: []string{"x"}}, nil
		})})
		ctx := context.Background()

		other := group("beta")
		other.Target = "ws:elsewhere"
		r1 := q.Enqueue(ctx, rec.send, "t1", group("alpha"))
		r2 := q.Enqueue(ctx, rec.send, "t2", other)
		await(t, r1)
		await(t, r2)
		assert.False(t, called)
		assert.Len(t, rec.payloads(), 2)
	})
}

func TestJudgeFailureFailsOpen(t *testing.T) {
	rec := &recorder{}
	failing := judgeFunc(func(string, string) (Similarity, error) { return Similarity{}, errors.New("timeout") })
	q := newQueue(t, testConfig(), Options{Judge: failing})
	ctx := context.Background()

	r1 := q.Enqueue(ctx, rec.send, "t1", group("first reply"))
	r2 := q.Enqueue(ctx, rec.send, "t2", group("second reply"))
	assert.False(t, await(t, r1).Dropped)
	assert.False(t, await(t, r2).Dropped)
	assert.Len(t, rec.payloads(), 2)
}

func TestSendErrorResolvesOnlyItsItem(t *testing.T) {
	q := newQueue(t, testConfig(), Options{})
	ctx := context.Background()
	boom := errors.New("transport closed")

	var mu sync.Mutex
	var sent []string
	send := func(_ context.Context, p Payload) (any, error) {
		if p.TaskID == "t2" {
			return nil, boom
		}
		mu.Lock()
		sent = append(sent, p.TaskID)
		mu.Unlock()
		return "ok", nil
	}

	r1 := q.Enqueue(ctx, send, "t1", group("one"))
	r2 := q.Enqueue(ctx, send, "t2", group("two"))
	r3 := q.Enqueue(ctx, send, "t3", group("three"))

	assert.Equal(t, "ok", await(t, r1).Value)
	assert.ErrorIs(t, await(t, r2).Err, boom)
	assert.Equal(t, "ok", await(t, r3).Value)
	assert.Equal(t, []string{"t1", "t3"}, sent)
	assert.Equal(t, int64(1), q.Stats().Failed)
}

func TestImmediateSkipsCollectionWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SendDelay = config.Duration(time.Second)
	rec := &recorder{}
	q := newQueue(t, cfg, Options{})

	meta := group("urgent")
	meta.Immediate = true
	start := time.Now()
	r := await(t, q.Enqueue(context.Background(), rec.send, "t1", meta))
	assert.False(t, r.Dropped)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCancelledContextFailsItem(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, testConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := await(t, q.Enqueue(ctx, rec.send, "t1", group("late")))
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Empty(t, rec.payloads())
}

func TestClearAndClose(t *testing.T) {
	q := New(testConfig(), Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(context.Context, Payload) (any, error) {
		close(started)
		<-release
		return nil, nil
	}
	first := q.Enqueue(ctx, blocking, "t1", Meta{Response: "direct"})
	<-started

	rec := &recorder{}
	queued := q.Enqueue(ctx, rec.send, "t2", group("waiting"))
	assert.Equal(t, 1, q.Stats().Queued)
	q.Clear()
	r := await(t, queued)
	assert.True(t, r.Dropped)
	assert.Equal(t, ReasonCleared, r.Reason)

	close(release)
	assert.False(t, await(t, first).Dropped)

	q.Close()
	closed := await(t, q.Enqueue(ctx, rec.send, "t3", group("after close")))
	assert.True(t, closed.Dropped)
	assert.Equal(t, ReasonClosed, closed.Reason)
	assert.Empty(t, rec.payloads())
}

func TestSweepForgetsExpiredState(t *testing.T) {
	cfg := testConfig()
	cfg.PureReplyThreshold = 1
	cfg.PureReplyCooldown = config.Duration(time.Second)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rec := &recorder{}
	q := newQueue(t, cfg, Options{Now: clock.Now})

	await(t, q.Enqueue(context.Background(), rec.send, "t1", group("hello")))
	st := q.Stats()
	assert.Equal(t, 1, st.RecentGroups)
	assert.Equal(t, 1, st.CooldownGroups)

	clock.Advance(2 * time.Minute)
	q.Sweep(clock.Now())
	st = q.Stats()
	assert.Zero(t, st.RecentGroups)
	assert.Zero(t, st.CooldownGroups)
}

func TestLocalJudge(t *testing.T) {
	j := NewLocalJudge(0)
	assert.Equal(t, defaultSimilarityThreshold, j.Threshold)

	s, err := j.Judge(context.Background(), "see you tomorrow", "see you tomorrow!")
	require.NoError(t, err)
	assert.True(t, s.Similar)

	s, _ = j.Judge(context.Background(), "see you tomorrow", "the build is broken")
	assert.False(t, s.Similar)
}
