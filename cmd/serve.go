package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goreply/internal/admission"
	"github.com/nextlevelbuilder/goreply/internal/agent"
	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/channels"
	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/conversation"
	"github.com/nextlevelbuilder/goreply/internal/gateway"
	"github.com/nextlevelbuilder/goreply/internal/janitor"
	"github.com/nextlevelbuilder/goreply/internal/providers"
	"github.com/nextlevelbuilder/goreply/internal/sendqueue"
	"github.com/nextlevelbuilder/goreply/internal/store"
	"github.com/nextlevelbuilder/goreply/internal/store/file"
	"github.com/nextlevelbuilder/goreply/internal/store/pg"
	"github.com/nextlevelbuilder/goreply/internal/store/sqlite"
	"github.com/nextlevelbuilder/goreply/internal/textsim"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reply gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runServe() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry: shutdown failed", "error", err)
		}
	}()

	provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: providers.Float(cfg.LLM.Temperature),
		Timeout:     cfg.LLM.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	snapshots, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	msgBus := bus.New(0)
	botNames := cfg.BotNames()
	botName := "assistant"
	if len(botNames) > 0 {
		botName = botNames[0]
	}

	convs := conversation.NewManager(cfg.Conversation, snapshots)
	defer convs.Close()

	ac := admission.New(cfg.Admission, admission.Options{
		BotID:    cfg.Bot.ID,
		BotNames: botNames,
		Scorer:   textsim.NewScorer(botNames),
		Planner:  agent.NewLLMPlanner(provider, cfg.LLM.DecisionModel, botName),
		Context: func(convID string) []string {
			return convs.RecentLines(convID, cfg.Conversation.RecentPairs)
		},
	})

	queue := sendqueue.New(cfg.SendQueue, sendQueueOptions(cfg, provider))
	defer queue.Close()

	responder := agent.NewResponder(agent.ResponderConfig{
		Provider:     provider,
		History:      convs,
		BotName:      botName,
		SystemPrompt: cfg.LLM.SystemPrompt,
		RecentPairs:  cfg.Conversation.RecentPairs,
		Stream:       true,
	})
	pipe := newPipeline(msgBus, ac, convs, responder)

	gw := gateway.NewServer(cfg.Gateway, msgBus, nil)
	channelMgr := channels.NewManager(msgBus, queue)
	channelMgr.RegisterChannel(gw)
	channelMgr.OnDelivered(pipe.delivered)
	gw.SetStats(func() any {
		return map[string]any{
			"admission":     ac.Stats(),
			"send_queue":    queue.Stats(),
			"conversations": convs.Loaded(),
			"channels":      channelMgr.GetStatus(),
			"clients":       gw.Clients(),
		}
	})

	jan := janitor.New(cfg.Janitor.Schedule)
	jan.Register("admission", ac)
	jan.Register("conversation", convs)
	jan.Register("cancelled", convs.Cancelled)
	jan.Register("send_queue", queue)
	jan.Register("rate_limit", gw.RateLimiter())
	if sw, ok := snapshots.(janitor.Sweeper); ok {
		jan.Register("store", sw)
	}
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("goreply: serving",
		"version", Version,
		"store", cfg.Store.Backend,
		"model", provider.DefaultModel(),
		"local_only", cfg.Admission.LocalOnly,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Serve(gctx) })
	g.Go(func() error { return pipe.run(gctx) })
	err = g.Wait()

	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := channelMgr.StopAll(stopCtx); stopErr != nil {
		slog.Warn("channels: stop failed", "error", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goreply: stopped")
	return nil
}

// sendQueueOptions picks the similarity judge and the optional fuser.
func sendQueueOptions(cfg *config.Config, provider providers.Provider) sendqueue.Options {
	opts := sendqueue.Options{}
	if cfg.SendQueue.Similarity == "llm" {
		opts.Judge = agent.NewLLMJudge(provider, cfg.LLM.DecisionModel)
	} else {
		opts.Judge = sendqueue.NewLocalJudge(cfg.SendQueue.SimilarityThreshold)
	}
	if cfg.SendQueue.Fusion {
		opts.Fuser = agent.NewLLMFuser(provider, cfg.LLM.DecisionModel)
	}
	return opts
}

// openStore opens the configured snapshot backend.
func openStore(cfg config.StoreConfig) (store.ConversationStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := config.ExpandHome(cfg.Path)
		if path == "" {
			path = config.ExpandHome("~/.goreply/conversations.db")
		}
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	case "file":
		dir := config.ExpandHome(cfg.Path)
		if dir == "" {
			dir = config.ExpandHome("~/.goreply/conversations")
		}
		s, err := file.NewSnapshotStore(dir)
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return s, nil
	case "postgres":
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return pg.NewSnapshotStore(db, cfg.Table), nil
	case "memory":
		return store.NewMemoryStore(), nil
	case "none":
		return store.NopStore{}, nil
	}
	return nil, fmt.Errorf("store backend %q is not supported", cfg.Backend)
}
