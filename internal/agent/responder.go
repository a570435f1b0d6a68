// Package agent holds the LLM-backed collaborators: the reply Responder and the
// planner, fuser and similarity judge used by admission and the send queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goreply/internal/conversation"
	"github.com/nextlevelbuilder/goreply/internal/providers"
	"github.com/nextlevelbuilder/goreply/internal/textsim"
)

const defaultSystemPrompt = "You are %s, a participant in a chat. Reply naturally and briefly to the latest messages. " +
	"If nothing needs to be said, reply with exactly " + SilentToken + "."

// ErrCancelled is returned by Respond when the turn was cancelled while streaming.
var ErrCancelled = errors.New("agent: turn cancelled")

// HistorySource is the read side of the conversation manager used to build prompts.
type HistorySource interface {
	GetConversationHistoryForContext(convID string, q conversation.HistoryQuery) []conversation.PairView
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	Provider     providers.Provider
	History      HistorySource
	BotName      string
	SystemPrompt string // optional, replaces the default persona line
	RecentPairs  int
	Stream       bool
}

// Responder produces the assistant side of a pair.
type Responder struct {
	provider providers.Provider
	history  HistorySource
	botName  string
	system   string
	recent   int
	stream   bool
	tracer   trace.Tracer
}

func NewResponder(cfg ResponderConfig) *Responder {
	name := cfg.BotName
	if name == "" {
		name = "assistant"
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = fmt.Sprintf(defaultSystemPrompt, name)
	}
	return &Responder{
		provider: cfg.Provider,
		history:  cfg.History,
		botName:  name,
		system:   system,
		recent:   cfg.RecentPairs,
		stream:   cfg.Stream,
		tracer:   otel.Tracer("github.com/nextlevelbuilder/goreply/internal/agent"),
	}
}

// Turn is one reply attempt.
type Turn struct {
	ConversationID string
	TaskID         string
	IsPrivate      bool
	Messages       []conversation.Message
	// Cancelled is polled while streaming. May be nil.
	Cancelled func() bool
}

// Reply is the outcome of Respond.
type Reply struct {
	Text        string // sanitized assistant text; empty when Silent
	UserContent string // rendered user side of the pair
	Silent      bool
	Usage       *providers.Usage
}

// RenderUserContent renders buffered inbound messages as transcript lines.
func RenderUserContent(msgs []conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" && len(m.Resources) > 0 {
			text = fmt.Sprintf("[%d attachment(s)]", len(m.Resources))
		}
		if text == "" {
			continue
		}
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		lines = append(lines, name+": "+text)
	}
	return strings.Join(lines, "\n")
}

// BuildMessages assembles the prompt: system, prior pairs oldest first, then the turn.
func (r *Responder) BuildMessages(turn Turn, userContent string) []providers.Message {
	msgs := []providers.Message{{Role: "system", Content: r.system}}
	if turn.IsPrivate {
		msgs[0].Content += "\nThis is a private one-to-one chat."
	}

	var pairs []conversation.PairView
	if r.history != nil {
		pairs = r.history.GetConversationHistoryForContext(turn.ConversationID, conversation.HistoryQuery{RecentPairs: r.recent})
	}
	for _, p := range pairs {
		if strings.TrimSpace(p.User) == "" || strings.TrimSpace(p.Assistant) == "" {
			continue
		}
		msgs = append(msgs,
			providers.Message{Role: "user", Content: p.User},
			providers.Message{Role: "assistant", Content: p.Assistant},
		)
	}
	return append(msgs, providers.Message{Role: "user", Content: userContent})
}

// Respond calls the provider for turn and returns the sanitized reply.
func (r *Responder) Respond(ctx context.Context, turn Turn) (*Reply, error) {
	userContent := RenderUserContent(turn.Messages)
	if userContent == "" {
		return &Reply{Silent: true}, nil
	}

	ctx, span := r.tracer.Start(ctx, "agent.respond", trace.WithAttributes(
		attribute.String("conversation.id", turn.ConversationID),
		attribute.String("task.id", turn.TaskID),
		attribute.String("llm.provider", r.provider.Name()),
		attribute.String("llm.model", r.provider.DefaultModel()),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.call(ctx, turn, r.BuildMessages(turn, userContent))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	text := SanitizeReply(resp.Content, r.botName)
	reply := &Reply{Text: text, UserContent: userContent, Usage: resp.Usage}
	if text == "" || IsSilentReply(text) {
		reply.Text = ""
		reply.Silent = true
	}
	span.SetAttributes(attribute.Bool("agent.silent", reply.Silent))
	slog.Info("agent: reply generated", "conversation", turn.ConversationID, "task", turn.TaskID,
		"silent", reply.Silent, "duration_ms", time.Since(start).Milliseconds(),
		"preview", textsim.Preview(reply.Text, 80))
	return reply, nil
}

func (r *Responder) call(ctx context.Context, turn Turn, msgs []providers.Message) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{Messages: msgs}
	if !r.stream {
		return r.provider.Chat(ctx, req)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cancelled := false
	resp, err := r.provider.ChatStream(ctx, req, func(providers.StreamChunk) {
		if turn.Cancelled != nil && turn.Cancelled() {
			cancelled = true
			cancel()
		}
	})
	if cancelled {
		return nil, ErrCancelled
	}
	return resp, err
}
