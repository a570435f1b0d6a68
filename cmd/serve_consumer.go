package cmd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goreply/internal/admission"
	"github.com/nextlevelbuilder/goreply/internal/agent"
	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/channels"
	"github.com/nextlevelbuilder/goreply/internal/conversation"
	"github.com/nextlevelbuilder/goreply/internal/sessions"
	"github.com/nextlevelbuilder/goreply/internal/textsim"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

// metaReplyTo carries the addressed sender on outbound messages for follow-up tracking.
const metaReplyTo = "reply_to_sender"

// replier produces the assistant side of a turn.
type replier interface {
	Respond(ctx context.Context, turn agent.Turn) (*agent.Reply, error)
}

// inflightTurn is a running turn for one sender in one conversation.
type inflightTurn struct {
	taskID string
	pairID string
}

// pipeline consumes inbound messages and drives admission, conversation state and replies.
type pipeline struct {
	bus       *bus.MessageBus
	admission *admission.Controller
	convs     *conversation.Manager
	responder replier

	// lanes runs inbound handling one message at a time per conversation, so a slow
	// planner or scorer call holds up only its own conversation.
	lanes *conversation.Executor

	mu       sync.Mutex
	inflight map[string]*inflightTurn // conversation + sender
	wg       sync.WaitGroup
}

func newPipeline(msgBus *bus.MessageBus, ac *admission.Controller, convs *conversation.Manager, r replier) *pipeline {
	return &pipeline{
		bus:       msgBus,
		admission: ac,
		convs:     convs,
		responder: r,
		lanes:     conversation.NewExecutor(0),
		inflight:  make(map[string]*inflightTurn),
	}
}

func inflightKey(convID, senderID string) string { return convID + "\x00" + senderID }

// run consumes the bus until ctx is done, then waits for queued messages and running turns.
func (p *pipeline) run(ctx context.Context) error {
	slog.Info("pipeline: consumer started")
	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		convID := sessions.BuildKey(msg.Channel, sessions.PeerKind(msg.PeerKind), msg.ChatID)
		if err := p.lanes.Go(ctx, convID, func() { p.handle(ctx, convID, msg) }); err != nil {
			slog.Warn("pipeline: dropped inbound message", "conversation", convID, "error", err)
		}
	}
	p.lanes.Close()
	p.wg.Wait()
	slog.Info("pipeline: consumer stopped")
	return nil
}

// handle buffers msg, runs admission and starts a turn when admitted.
// Runs on convID's lane.
func (p *pipeline) handle(ctx context.Context, convID string, msg bus.InboundMessage) {
	now := time.Now()

	err := p.convs.AddPendingMessage(ctx, convID, conversation.Message{
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		MessageID:  msg.MessageID,
		Text:       msg.Content,
		Resources:  msg.Media,
		Timestamp:  now,
	})
	if err != nil {
		slog.Warn("pipeline: buffer message failed", "conversation", convID, "error", err)
		return
	}

	// A sender writing again while their turn is still running changed intent mid-flight.
	prev := p.inflightFor(convID, msg.SenderID)
	sig := admission.Signals{PendingMerged: prev != nil}

	d := p.admission.Decide(ctx, admission.Message{
		ConversationID: convID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Text:           msg.Content,
		Resources:      msg.Media,
		IsPrivate:      msg.PeerKind == channels.PeerDirect,
		Mentions:       msg.Mentions,
		ReplyToBot:     msg.ReplyToBot,
		Timestamp:      now,
	}, sig)
	p.broadcastDecision(msg, d)

	if prev != nil && (d.NeedReply || d.Queued) {
		p.cancelTurn(ctx, convID, prev)
	}
	if !d.NeedReply {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runTask(ctx, &admission.Task{
			ID:             d.TaskID,
			SenderKey:      msg.SenderID,
			ConversationID: convID,
			CreatedAt:      now,
		})
	}()
}

func (p *pipeline) broadcastDecision(msg bus.InboundMessage, d admission.Decision) {
	verdict := protocol.AdmissionRejected
	switch {
	case d.NeedReply:
		verdict = protocol.AdmissionAdmitted
	case d.Queued:
		verdict = protocol.AdmissionQueued
	}
	p.bus.Broadcast(bus.Event{Name: protocol.EventAdmission, Payload: map[string]any{
		"channel":     msg.Channel,
		"chat_id":     msg.ChatID,
		"sender_id":   msg.SenderID,
		"decision":    verdict,
		"reason":      d.Reason,
		"probability": d.Probability,
		"task_id":     d.TaskID,
	}})
}

func (p *pipeline) inflightFor(convID, senderID string) *inflightTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.inflight[inflightKey(convID, senderID)]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (p *pipeline) cancelTurn(ctx context.Context, convID string, t *inflightTurn) {
	p.convs.Cancelled.Mark(t.taskID)
	if t.pairID != "" {
		p.convs.CancelPair(ctx, convID, t.pairID)
	}
	slog.Info("pipeline: superseded turn cancelled", "conversation", convID, "task", t.taskID)
}

// runTask runs t, then every task promoted by its completion.
func (p *pipeline) runTask(ctx context.Context, t *admission.Task) {
	for t != nil {
		p.execute(ctx, t)
		p.convs.Cancelled.Forget(t.ID)
		next := p.admission.CompleteTask(t.SenderKey, t.ID)
		if next != nil {
			slog.Debug("pipeline: running promoted task", "conversation", next.ConversationID, "task", next.ID)
		}
		t = next
	}
}

// execute runs one turn: collect the sender's messages, open a pair, ask the
// responder, commit the pair and publish the reply.
func (p *pipeline) execute(ctx context.Context, t *admission.Task) {
	convID := t.ConversationID
	key, ok := sessions.ParseKey(convID)
	if !ok {
		slog.Error("pipeline: malformed conversation key", "conversation", convID)
		return
	}
	slot := inflightKey(convID, t.SenderKey)
	turn := &inflightTurn{taskID: t.ID}
	p.mu.Lock()
	p.inflight[slot] = turn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.inflight[slot] == turn {
			delete(p.inflight, slot)
		}
		p.mu.Unlock()
	}()

	cancelled := func() bool { return p.convs.Cancelled.IsCancelled(t.ID) }

	msgs, err := p.convs.StartProcessingMessages(ctx, convID, t.SenderKey)
	if err != nil {
		slog.Warn("pipeline: start processing failed", "conversation", convID, "error", err)
		return
	}
	if len(msgs) == 0 || cancelled() {
		return
	}

	pairID, err := p.convs.StartAssistantPairFor(ctx, convID, t.SenderKey)
	if err != nil {
		slog.Warn("pipeline: start pair failed", "conversation", convID, "error", err)
		return
	}
	p.mu.Lock()
	turn.pairID = pairID
	p.mu.Unlock()

	reply, err := p.responder.Respond(ctx, agent.Turn{
		ConversationID: convID,
		TaskID:         t.ID,
		IsPrivate:      key.IsDirect(),
		Messages:       msgs,
		Cancelled:      cancelled,
	})
	switch {
	case errors.Is(err, agent.ErrCancelled):
		slog.Debug("pipeline: turn cancelled while generating", "conversation", convID, "task", t.ID)
		p.convs.CancelPair(ctx, convID, pairID)
		return
	case err != nil:
		slog.Error("pipeline: reply failed", "conversation", convID, "task", t.ID, "error", err)
		p.convs.CancelPair(ctx, convID, pairID)
		return
	case reply.Silent:
		p.convs.CancelPair(ctx, convID, pairID)
		return
	}

	if cancelled() || !p.convs.AppendToPair(ctx, convID, pairID, reply.Text) || cancelled() {
		p.convs.CancelPair(ctx, convID, pairID)
		return
	}
	if !p.convs.FinishPair(ctx, convID, pairID, reply.UserContent) {
		return
	}

	p.bus.PublishOutbound(bus.OutboundMessage{
		Channel:        key.Channel,
		ChatID:         key.ChatID,
		Content:        reply.Text,
		Metadata:       map[string]string{metaReplyTo: t.SenderKey},
		ConversationID: convID,
		TaskID:         t.ID,
		PeerKind:       string(key.PeerKind),
		Immediate:      key.IsDirect(),
	})
	p.bus.Broadcast(bus.Event{Name: protocol.EventReply, Payload: map[string]string{
		"channel": key.Channel,
		"chat_id": key.ChatID,
		"task_id": t.ID,
		"preview": textsim.Preview(reply.Text, 80),
	}})
}

// delivered records a sent reply for follow-up detection.
func (p *pipeline) delivered(msg bus.OutboundMessage) {
	sender := msg.Metadata[metaReplyTo]
	if msg.ConversationID == "" || sender == "" {
		return
	}
	p.admission.NoteBotReply(msg.ConversationID, sender)
}
