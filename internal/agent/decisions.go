package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goreply/internal/admission"
	"github.com/nextlevelbuilder/goreply/internal/providers"
	"github.com/nextlevelbuilder/goreply/internal/sendqueue"
)

const (
	plannerPrompt = `You decide whether a chat bot named %q should reply to the latest message in a chat.
Answer with a single JSON object: {"should_reply": true|false, "confidence": 0..1, "reason": "short reason"}.
Reply only when the bot is addressed, can add something useful, or is continuing its own thread.`

	fuserPrompt = `You merge several pending chat replies from the same bot into one natural message.
Keep every distinct piece of information, drop repetition, keep the language of the originals.
Answer with a single JSON object: {"segments": ["text", ...], "reason": "short reason"}.
Return {"segments": []} if the replies should not be merged.`

	judgePrompt = `You compare two chat replies. They are similar when a reader would consider the second redundant after the first.
Answer with a single JSON object: {"similar": true|false, "score": 0..1}.`
)

var errNoJSON = errors.New("agent: no JSON object in model output")

// decodeJSONObject decodes the first {...} span of s into v, tolerating code fences and prose.
func decodeJSONObject(s string, v any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("agent: decode model JSON: %w", err)
	}
	return nil
}

// decisionClient runs short JSON-answer calls against a provider.
type decisionClient struct {
	provider providers.Provider
	model    string
}

func (d decisionClient) ask(ctx context.Context, system, user string, v any) error {
	resp, err := d.provider.Chat(ctx, providers.ChatRequest{
		Model:       d.model,
		Messages:    []providers.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		MaxTokens:   256,
		Temperature: providers.Float(0),
	})
	if err != nil {
		return err
	}
	return decodeJSONObject(resp.Content, v)
}

// LLMPlanner asks the model whether to reply.
type LLMPlanner struct {
	client  decisionClient
	botName string
}

// NewLLMPlanner creates a planner. model may be empty to use the provider default.
func NewLLMPlanner(p providers.Provider, model, botName string) *LLMPlanner {
	return &LLMPlanner{client: decisionClient{provider: p, model: model}, botName: botName}
}

func (p *LLMPlanner) PlanReply(ctx context.Context, msg admission.Message, sig admission.Signals, pc admission.PlanContext, policy admission.Policy) (admission.Plan, error) {
	var b strings.Builder
	if pc.IsPrivate {
		b.WriteString("Chat: private\n")
	} else {
		b.WriteString("Chat: group\n")
	}
	fmt.Fprintf(&b, "Signals: mentioned=%t name_hit=%t followup=%t prior=%.2f group_fatigue=%.2f sender_fatigue=%.2f active_tasks=%d\n",
		sig.ExplicitMention, sig.NameHit, sig.Followup, sig.Prior, sig.GroupFatigue, sig.SenderFatigue, pc.ActiveTasks)
	if policy.AlwaysReplyOnMention {
		b.WriteString("Policy: always reply when mentioned\n")
	}
	if len(pc.RecentLines) > 0 {
		b.WriteString("Recent conversation:\n")
		b.WriteString(strings.Join(pc.RecentLines, "\n"))
		b.WriteString("\n")
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	fmt.Fprintf(&b, "Latest message from %s: %s", name, msg.Text)

	var out struct {
		ShouldReply bool    `json:"should_reply"`
		Confidence  float64 `json:"confidence"`
		Reason      string  `json:"reason"`
	}
	if err := p.client.ask(ctx, fmt.Sprintf(plannerPrompt, p.botName), b.String(), &out); err != nil {
		return admission.Plan{}, fmt.Errorf("planner: %w", err)
	}
	return admission.Plan{ShouldReply: out.ShouldReply, Confidence: clampUnit(out.Confidence), Reason: out.Reason}, nil
}

// LLMFuser merges batched replies with the model.
type LLMFuser struct {
	client decisionClient
}

func NewLLMFuser(p providers.Provider, model string) *LLMFuser {
	return &LLMFuser{client: decisionClient{provider: p, model: model}}
}

func (f *LLMFuser) Fuse(ctx context.Context, groupID string, candidates []sendqueue.FusionCandidate) (*sendqueue.FusionResult, error) {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "Reply %d: %s\n", i+1, c.Text)
	}
	var out struct {
		Segments []string `json:"segments"`
		Reason   string   `json:"reason"`
	}
	if err := f.client.ask(ctx, fuserPrompt, b.String(), &out); err != nil {
		return nil, fmt.Errorf("fuser: %w", err)
	}
	if len(out.Segments) == 0 {
		return nil, nil
	}
	return &sendqueue.FusionResult{Segments: out.Segments, Reason: out.Reason}, nil
}

// LLMJudge asks the model whether two replies are redundant.
type LLMJudge struct {
	client decisionClient
}

func NewLLMJudge(p providers.Provider, model string) *LLMJudge {
	return &LLMJudge{client: decisionClient{provider: p, model: model}}
}

func (j *LLMJudge) Judge(ctx context.Context, a, b string) (sendqueue.Similarity, error) {
	var out struct {
		Similar bool    `json:"similar"`
		Score   float64 `json:"score"`
	}
	if err := j.client.ask(ctx, judgePrompt, "First: "+a+"\nSecond: "+b, &out); err != nil {
		return sendqueue.Similarity{}, fmt.Errorf("judge: %w", err)
	}
	return sendqueue.Similarity{Similar: out.Similar, Score: clampUnit(out.Score)}, nil
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
