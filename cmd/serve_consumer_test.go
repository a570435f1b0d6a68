package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goreply/internal/admission"
	"github.com/nextlevelbuilder/goreply/internal/agent"
	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/conversation"
	"github.com/nextlevelbuilder/goreply/internal/store"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

type stubReplier struct {
	mu    sync.Mutex
	turns []agent.Turn
	fn    func(n int, turn agent.Turn) (*agent.Reply, error)
}

func (s *stubReplier) Respond(_ context.Context, turn agent.Turn) (*agent.Reply, error) {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	n := len(s.turns)
	s.mu.Unlock()
	return s.fn(n, turn)
}

func (s *stubReplier) Turns() []agent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Turn(nil), s.turns...)
}

type pipelineHarness struct {
	bus   *bus.MessageBus
	ac    *admission.Controller
	convs *conversation.Manager
	pipe  *pipeline
}

func newHarness(t *testing.T, r replier) *pipelineHarness {
	return newHarnessWithPlanner(t, r, nil)
}

func newHarnessWithPlanner(t *testing.T, r replier, planner admission.Planner) *pipelineHarness {
	t.Helper()
	cfg := config.Default()
	b := bus.New(16)
	convs := conversation.NewManager(cfg.Conversation, store.NewMemoryStore())
	ac := admission.New(cfg.Admission, admission.Options{BotID: "bot", BotNames: []string{"bot"}, Planner: planner})
	h := &pipelineHarness{bus: b, ac: ac, convs: convs, pipe: newPipeline(b, ac, convs, r)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pipe.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		convs.Close()
	})
	return h
}

func (h *pipelineHarness) nextOutbound(t *testing.T, wait time.Duration) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return h.bus.SubscribeOutbound(ctx)
}

func direct(sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "ws",
		SenderID: sender,
		ChatID:   sender,
		PeerKind: "direct",
		Content:  text,
	}
}

func group(chat, sender, text string, mentions ...string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "ws",
		SenderID: sender,
		ChatID:   chat,
		PeerKind: "group",
		Content:  text,
		Mentions: mentions,
	}
}

// blockingPlanner holds every call until release is closed or ctx ends.
type blockingPlanner struct {
	release chan struct{}
	calls   chan struct{}
}

func (p *blockingPlanner) PlanReply(ctx context.Context, _ admission.Message, _ admission.Signals, _ admission.PlanContext, _ admission.Policy) (admission.Plan, error) {
	p.calls <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		return admission.Plan{}, ctx.Err()
	}
	return admission.Plan{ShouldReply: false}, nil
}

func TestPipelineRepliesToDirectMessage(t *testing.T) {
	r := &stubReplier{fn: func(_ int, turn agent.Turn) (*agent.Reply, error) {
		return &agent.Reply{Text: "hello back", UserContent: agent.RenderUserContent(turn.Messages)}, nil
	}}
	h := newHarness(t, r)

	var (
		mu     sync.Mutex
		events []string
	)
	h.bus.Subscribe("test", func(e bus.Event) {
		mu.Lock()
		events = append(events, e.Name)
		mu.Unlock()
	})

	h.bus.PublishInbound(direct("u1", "hi there"))

	out, ok := h.nextOutbound(t, 2*time.Second)
	require.True(t, ok, "no reply published")
	assert.Equal(t, "ws", out.Channel)
	assert.Equal(t, "u1", out.ChatID)
	assert.Equal(t, "hello back", out.Content)
	assert.Equal(t, "ws:direct:u1", out.ConversationID)
	assert.Equal(t, "u1", out.Metadata[metaReplyTo])
	assert.True(t, out.Immediate)
	assert.NotEmpty(t, out.TaskID)

	turns := r.Turns()
	require.Len(t, turns, 1)
	assert.True(t, turns[0].IsPrivate)
	require.Len(t, turns[0].Messages, 1)
	assert.Equal(t, "hi there", turns[0].Messages[0].Text)

	assert.Len(t, h.convs.RecentLines("ws:direct:u1", 5), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, protocol.EventAdmission)
	assert.Contains(t, events, protocol.EventReply)
}

func TestPipelineSilentReplyPublishesNothing(t *testing.T) {
	r := &stubReplier{fn: func(int, agent.Turn) (*agent.Reply, error) {
		return &agent.Reply{Silent: true}, nil
	}}
	h := newHarness(t, r)

	h.bus.PublishInbound(direct("u1", "ok"))

	_, ok := h.nextOutbound(t, 300*time.Millisecond)
	assert.False(t, ok)
	assert.Len(t, r.Turns(), 1)
	assert.Empty(t, h.convs.RecentLines("ws:direct:u1", 5))
}

func TestPipelineSupersededTurnIsReplaced(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := &stubReplier{fn: func(n int, turn agent.Turn) (*agent.Reply, error) {
		if n == 1 {
			close(started)
			<-release
			return &agent.Reply{Text: "stale", UserContent: "x"}, nil
		}
		return &agent.Reply{Text: "fresh", UserContent: agent.RenderUserContent(turn.Messages)}, nil
	}}
	h := newHarness(t, r)

	h.bus.PublishInbound(direct("u1", "book a table"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never started")
	}

	h.bus.PublishInbound(direct("u1", "actually make it two tables"))
	require.Eventually(t, func() bool {
		return h.convs.Cancelled.Len() > 0
	}, 2*time.Second, 10*time.Millisecond, "first turn was not cancelled")
	close(release)

	out, ok := h.nextOutbound(t, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "fresh", out.Content)

	_, ok = h.nextOutbound(t, 200*time.Millisecond)
	assert.False(t, ok, "stale reply must not be published")

	turns := r.Turns()
	require.Len(t, turns, 2)
	assert.Len(t, turns[1].Messages, 2, "promoted turn sees both messages")
}

func TestPipelineDeliveredIgnoresUntracked(t *testing.T) {
	h := newHarness(t, &stubReplier{fn: func(int, agent.Turn) (*agent.Reply, error) { return &agent.Reply{Silent: true}, nil }})
	assert.NotPanics(t, func() {
		h.pipe.delivered(bus.OutboundMessage{Channel: "ws", ChatID: "c"})
		h.pipe.delivered(bus.OutboundMessage{ConversationID: "ws:group:c", Metadata: map[string]string{metaReplyTo: "u1"}})
	})
}

func TestPipelineSlowPlannerDoesNotBlockOtherConversations(t *testing.T) {
	r := &stubReplier{fn: func(int, agent.Turn) (*agent.Reply, error) {
		return &agent.Reply{Text: "hey", UserContent: "hi"}, nil
	}}
	planner := &blockingPlanner{release: make(chan struct{}), calls: make(chan struct{}, 1)}
	h := newHarnessWithPlanner(t, r, planner)
	defer close(planner.release)

	h.bus.PublishInbound(group("g1", "u1", "hey bot, what is the plan"))
	select {
	case <-planner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("planner was not consulted")
	}

	h.bus.PublishInbound(direct("u2", "hi"))
	out, ok := h.nextOutbound(t, time.Second)
	require.True(t, ok, "private reply waited on another conversation's planner")
	assert.Equal(t, "u2", out.ChatID)
}

func TestPipelineGroupMentionIsNotImmediate(t *testing.T) {
	r := &stubReplier{fn: func(_ int, turn agent.Turn) (*agent.Reply, error) {
		return &agent.Reply{Text: "noon", UserContent: agent.RenderUserContent(turn.Messages)}, nil
	}}
	h := newHarness(t, r)

	h.bus.PublishInbound(group("g1", "u1", "@bot what time is lunch", "bot"))

	out, ok := h.nextOutbound(t, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "g1", out.ChatID)
	assert.Equal(t, "group", out.PeerKind)
	assert.False(t, out.Immediate, "group replies keep the collection window")

	turns := r.Turns()
	require.Len(t, turns, 1)
	assert.False(t, turns[0].IsPrivate)
}
