package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/sendqueue"
	"github.com/nextlevelbuilder/goreply/internal/textsim"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

// EventSend is broadcast after every resolved outbound message.
const EventSend = protocol.EventSend

// Enqueuer is the send queue as seen by the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, send sendqueue.SendFunc, taskID string, meta sendqueue.Meta) <-chan sendqueue.Result
}

// DeliveryHook runs after a message was sent by its channel.
type DeliveryHook func(msg bus.OutboundMessage)

// Manager manages registered channels and routes outbound messages to them
// through the send queue.
type Manager struct {
	bus   *bus.MessageBus
	queue Enqueuer

	mu        sync.RWMutex
	channels  map[string]Channel
	cancel    context.CancelFunc
	delivered DeliveryHook

	inflight sync.WaitGroup
}

// NewManager creates a channel manager. Channels are registered with RegisterChannel.
func NewManager(msgBus *bus.MessageBus, queue Enqueuer) *Manager {
	return &Manager{
		bus:      msgBus,
		queue:    queue,
		channels: make(map[string]Channel),
	}
}

// OnDelivered sets the hook called after each successful send.
func (m *Manager) OnDelivered(fn DeliveryHook) {
	m.mu.Lock()
	m.delivered = fn
	m.mu.Unlock()
}

// StartAll starts all registered channels and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("channels: none registered")
		return nil
	}

	var errs []error
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels: start failed", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("start %s: %w", name, err))
			continue
		}
		slog.Info("channels: started", "channel", name)
	}
	return errors.Join(errs...)
}

// StopAll stops the dispatcher, waits for in-flight sends, then stops every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.inflight.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels: stop failed", "channel", name, "error", err)
		}
	}
	slog.Info("channels: all stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and hands each to the send queue.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("channels: outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("channels: outbound dispatcher stopped")
			return
		}
		m.Dispatch(ctx, msg)
	}
}

// Dispatch enqueues msg on the send queue targeting its channel.
// Messages for internal or unknown channels are dropped.
func (m *Manager) Dispatch(ctx context.Context, msg bus.OutboundMessage) {
	if IsInternalChannel(msg.Channel) {
		return
	}
	ch, ok := m.GetChannel(msg.Channel)
	if !ok {
		slog.Warn("channels: unknown channel for outbound message", "channel", msg.Channel, "chat", msg.ChatID)
		return
	}

	meta := MetaFor(msg)
	send := func(ctx context.Context, p sendqueue.Payload) (any, error) {
		out := rebuild(msg, p)
		if err := ch.Send(ctx, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	res := m.queue.Enqueue(ctx, send, msg.TaskID, meta)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.resolve(msg, <-res)
	}()
}

func (m *Manager) resolve(msg bus.OutboundMessage, r sendqueue.Result) {
	status := "sent"
	switch {
	case r.Dropped:
		status = "dropped"
		slog.Debug("channels: outbound dropped", "channel", msg.Channel, "chat", msg.ChatID,
			"task", msg.TaskID, "reason", r.Reason)
	case r.Err != nil:
		status = "failed"
		slog.Error("channels: send failed", "channel", msg.Channel, "chat", msg.ChatID,
			"task", msg.TaskID, "error", r.Err)
	default:
		m.mu.RLock()
		hook := m.delivered
		m.mu.RUnlock()
		if hook != nil {
			if out, ok := r.Value.(bus.OutboundMessage); ok {
				hook(out)
			} else {
				hook(msg)
			}
		}
	}

	payload := map[string]string{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"task_id": msg.TaskID,
		"status":  status,
		"preview": textsim.Preview(msg.Content, 60),
	}
	if r.Reason != "" {
		payload["reason"] = r.Reason
	}
	m.bus.Broadcast(bus.Event{Name: EventSend, Payload: payload})
}

// MetaFor derives send-queue metadata from an outbound message.
func MetaFor(msg bus.OutboundMessage) sendqueue.Meta {
	group := msg.ConversationID
	if group == "" {
		group = msg.Channel + ":" + msg.ChatID
	}
	keys := make([]string, 0, len(msg.Media))
	for _, media := range msg.Media {
		if media.URL != "" {
			keys = append(keys, media.URL)
		}
	}
	return sendqueue.Meta{
		GroupID:      group,
		Target:       msg.Channel + ":" + msg.ChatID,
		Response:     msg.Content,
		ResourceKeys: keys,
		AllowReply:   true,
		HasTool:      msg.HasTool,
		Immediate:    msg.Immediate,
		Private:      msg.PeerKind == PeerDirect,
	}
}

// rebuild applies the queue's rewritten text and resources to the original message.
func rebuild(msg bus.OutboundMessage, p sendqueue.Payload) bus.OutboundMessage {
	out := msg
	out.Content = p.Text
	keep := make(map[string]bool, len(p.Resources))
	for _, r := range p.Resources {
		keep[r] = true
	}
	out.Media = nil
	seen := make(map[string]bool, len(msg.Media))
	for _, media := range msg.Media {
		if keep[media.URL] {
			out.Media = append(out.Media, media)
			seen[media.URL] = true
		}
	}
	// Fusion may union resources from sibling replies.
	for _, r := range p.Resources {
		if !seen[r] {
			out.Media = append(out.Media, bus.MediaAttachment{URL: r})
			seen[r] = true
		}
	}
	return out
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]any{"running": ch.IsRunning()}
	}
	return status
}

// RegisterChannel adds a channel under its name.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
