package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration that reads "30s" / "2m" strings or plain milliseconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// Config is the root configuration for the goreply service.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Bot          BotConfig          `json:"bot"`
	Admission    AdmissionConfig    `json:"admission"`
	Conversation ConversationConfig `json:"conversation"`
	SendQueue    SendQueueConfig    `json:"send_queue"`
	LLM          LLMConfig          `json:"llm"`
	Store        StoreConfig        `json:"store"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Janitor      JanitorConfig      `json:"janitor,omitempty"`
	mu           sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket front door.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"`                         // from env GOREPLY_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // inbound messages per sender per minute (0 = disabled)
}

// BotConfig identifies the bot inside conversations (used for mention detection).
type BotConfig struct {
	ID    string              `json:"id"`
	Names FlexibleStringSlice `json:"names,omitempty"` // name strings that count as a mention
}

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	MaxConcurrentPerSender int      `json:"max_concurrent_per_sender"`
	QueueTimeout           Duration `json:"queue_timeout"`
	MaxQueuePerSender      int      `json:"max_queue_per_sender,omitempty"`

	Attention AttentionConfig `json:"attention"`
	Fatigue   FatigueConfig   `json:"fatigue"`
	Gate      GateConfig      `json:"gate"`

	// LocalOnly skips the LLM intervention step unless the message carries an
	// explicit mention, a name hit, or is a follow-up to the bot's last reply.
	LocalOnly            bool     `json:"local_only"`
	AlwaysReplyOnMention bool     `json:"always_reply_on_mention"`
	FollowupWindow       Duration `json:"followup_window"`
	PlannerTimeout       Duration `json:"planner_timeout,omitempty"`
}

// AttentionConfig bounds the set of senders the bot is "paying attention to" per conversation.
type AttentionConfig struct {
	Enabled    bool     `json:"enabled"`
	MaxSenders int      `json:"max_senders"`
	Window     Duration `json:"window"`
}

// FatigueConfig holds both fatigue gates.
type FatigueConfig struct {
	Group  FatigueGateConfig `json:"group"`
	Sender FatigueGateConfig `json:"sender"`
}

// FatigueGateConfig configures one sliding-window fatigue gate.
type FatigueGateConfig struct {
	Enabled              bool     `json:"enabled"`
	Window               Duration `json:"window"`
	BaseLimit            int      `json:"base_limit"`
	MinInterval          Duration `json:"min_interval"`
	BackoffFactor        float64  `json:"backoff_factor"`
	MaxBackoffMultiplier float64  `json:"max_backoff_multiplier"`
}

// GateConfig configures the decaying accumulator gate.
type GateConfig struct {
	Enabled   bool     `json:"enabled"`
	Baseline  float64  `json:"baseline"`
	Threshold float64  `json:"threshold"`
	HalfLife  Duration `json:"half_life"`
}

// ConversationConfig configures the conversation state manager.
type ConversationConfig struct {
	SenderTimeout  Duration `json:"sender_timeout"`  // pending buffer GC (default 2m)
	ExecutorIdle   Duration `json:"executor_idle"`   // tear down idle per-conversation workers
	StateIdle      Duration `json:"state_idle"`      // unload idle in-memory state (reloaded from the store on next use)
	RecentPairs    int      `json:"recent_pairs"`    // default history window for context
	SnapshotTTL    Duration `json:"snapshot_ttl"`    // store TTL for persisted snapshots (0 = none)
	MaxHistory     int      `json:"max_history"`     // history entries kept per conversation (0 = unlimited)
	CancelledTTL   Duration `json:"cancelled_ttl"`   // cancelled task id retention
	CancelledLimit int      `json:"cancelled_limit"` // cancelled task id max entries
}

// SendQueueConfig configures the outbound send queue.
type SendQueueConfig struct {
	SendDelay             Duration `json:"send_delay"`
	GroupReplyMinInterval Duration `json:"group_reply_min_interval"`
	UserReplyMinInterval  Duration `json:"user_reply_min_interval"`

	Dedup               bool    `json:"dedup"`
	Similarity          string  `json:"similarity"`           // "local" (default) or "llm"
	SimilarityThreshold float64 `json:"similarity_threshold"` // local judge Dice threshold

	PureReplyThreshold int      `json:"pure_reply_threshold"` // batch size that triggers the fast path (0 = disabled)
	PureReplyCooldown  Duration `json:"pure_reply_cooldown"`

	Fusion         bool `json:"fusion"`
	FusionMinBatch int  `json:"fusion_min_batch"`

	RecentTTL Duration `json:"recent_ttl"`
	RecentMax int      `json:"recent_max"`
}

// LLMConfig configures the OpenAI-compatible provider used by the default collaborators.
type LLMConfig struct {
	BaseURL       string   `json:"base_url,omitempty"`
	APIKey        string   `json:"-"` // from env GOREPLY_LLM_API_KEY only
	Model         string   `json:"model"`
	DecisionModel string   `json:"decision_model,omitempty"` // planner / judge / fusion model (default = model)
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	Timeout       Duration `json:"timeout"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
}

// StoreConfig selects the durable conversation snapshot backend.
// PostgresDSN is never read from the config file, only from env GOREPLY_POSTGRES_DSN.
type StoreConfig struct {
	Backend     string `json:"backend"`         // "sqlite" (default), "file", "postgres", "memory", "none"
	Path        string `json:"path,omitempty"`  // sqlite database file or file-store directory
	PostgresDSN string `json:"-"`               // from env GOREPLY_POSTGRES_DSN only
	Table       string `json:"table,omitempty"` // postgres table name (default "conversation_snapshots"); migrate only manages the default
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "goreply")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// JanitorConfig schedules the background TTL sweeps.
type JanitorConfig struct {
	Schedule string `json:"schedule,omitempty"` // robfig/cron spec (default "@every 30s")
}
