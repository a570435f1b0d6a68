package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 60,
		},
		Admission: AdmissionConfig{
			MaxConcurrentPerSender: 1,
			QueueTimeout:           Duration(30 * time.Second),
			MaxQueuePerSender:      20,
			Attention: AttentionConfig{
				Enabled:    true,
				MaxSenders: 5,
				Window:     Duration(2 * time.Minute),
			},
			Fatigue: FatigueConfig{
				Group: FatigueGateConfig{
					Enabled:              true,
					Window:               Duration(time.Minute),
					BaseLimit:            6,
					MinInterval:          Duration(2 * time.Second),
					BackoffFactor:        1.5,
					MaxBackoffMultiplier: 8,
				},
				Sender: FatigueGateConfig{
					Enabled:              true,
					Window:               Duration(time.Minute),
					BaseLimit:            3,
					MinInterval:          Duration(5 * time.Second),
					BackoffFactor:        1.6,
					MaxBackoffMultiplier: 6,
				},
			},
			Gate: GateConfig{
				Enabled:   true,
				Baseline:  0.2,
				Threshold: 1.0,
				HalfLife:  Duration(15 * time.Second),
			},
			LocalOnly:            true,
			AlwaysReplyOnMention: true,
			FollowupWindow:       Duration(time.Minute),
			PlannerTimeout:       Duration(20 * time.Second),
		},
		Conversation: ConversationConfig{
			SenderTimeout:  Duration(2 * time.Minute),
			ExecutorIdle:   Duration(5 * time.Minute),
			StateIdle:      Duration(30 * time.Minute),
			RecentPairs:    10,
			SnapshotTTL:    Duration(7 * 24 * time.Hour),
			MaxHistory:     400,
			CancelledTTL:   Duration(10 * time.Minute),
			CancelledLimit: 1000,
		},
		SendQueue: SendQueueConfig{
			SendDelay:             Duration(2 * time.Second),
			GroupReplyMinInterval: Duration(time.Second),
			UserReplyMinInterval:  Duration(500 * time.Millisecond),
			Dedup:                 true,
			Similarity:            "local",
			SimilarityThreshold:   0.8,
			PureReplyThreshold:    3,
			PureReplyCooldown:     Duration(10 * time.Second),
			Fusion:                false,
			FusionMinBatch:        2,
			RecentTTL:             Duration(5 * time.Minute),
			RecentMax:             10,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     Duration(60 * time.Second),
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "~/.goreply/conversations.db",
			Table:   "conversation_snapshots",
		},
		Janitor: JanitorConfig{
			Schedule: "@every 30s",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GOREPLY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOREPLY_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOREPLY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("GOREPLY_BOT_ID", &c.Bot.ID)
	if v := os.Getenv("GOREPLY_BOT_NAMES"); v != "" {
		c.Bot.Names = strings.Split(v, ",")
	}

	envStr("GOREPLY_LLM_API_KEY", &c.LLM.APIKey)
	envStr("GOREPLY_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("GOREPLY_LLM_MODEL", &c.LLM.Model)

	envStr("GOREPLY_STORE_BACKEND", &c.Store.Backend)
	envStr("GOREPLY_STORE_PATH", &c.Store.Path)
	envStr("GOREPLY_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("GOREPLY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOREPLY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOREPLY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOREPLY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOREPLY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("GOREPLY_LOCAL_ONLY"); v != "" {
		c.Admission.LocalOnly = v == "true" || v == "1"
	}
}

// Validate reports configuration values the runtime cannot work with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Admission.MaxConcurrentPerSender < 1 {
		errs = append(errs, errors.New("admission.max_concurrent_per_sender must be >= 1"))
	}
	if c.Admission.Gate.Enabled && c.Admission.Gate.Threshold <= 0 {
		errs = append(errs, errors.New("admission.gate.threshold must be > 0"))
	}
	if c.Admission.Gate.Baseline < 0 || c.Admission.Gate.Baseline >= 1 {
		errs = append(errs, errors.New("admission.gate.baseline must be in [0,1)"))
	}
	for name, f := range map[string]FatigueGateConfig{"group": c.Admission.Fatigue.Group, "sender": c.Admission.Fatigue.Sender} {
		if !f.Enabled {
			continue
		}
		if f.BackoffFactor < 1 {
			errs = append(errs, fmt.Errorf("admission.fatigue.%s.backoff_factor must be >= 1", name))
		}
		if f.MaxBackoffMultiplier < 1 {
			errs = append(errs, fmt.Errorf("admission.fatigue.%s.max_backoff_multiplier must be >= 1", name))
		}
	}
	switch c.SendQueue.Similarity {
	case "", "local", "llm":
	default:
		errs = append(errs, fmt.Errorf("send_queue.similarity %q: want \"local\" or \"llm\"", c.SendQueue.Similarity))
	}
	switch c.Store.Backend {
	case "", "sqlite", "file", "memory", "none":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.backend=postgres requires GOREPLY_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not supported", c.Store.Backend))
	}
	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("janitor.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// BotNames returns the mention names with surrounding spaces removed and empties dropped.
func (c *Config) BotNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.Bot.Names))
	for _, n := range c.Bot.Names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by `goreply config show`.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	// Secrets are json:"-" so copy them explicitly before masking.
	cp.Gateway.Token = c.Gateway.Token
	cp.LLM.APIKey = c.LLM.APIKey
	cp.Store.PostgresDSN = c.Store.PostgresDSN

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.LLM.APIKey)
	maskNonEmpty(&cp.Store.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
