package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/aibot/internal/bot"
	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	"github.com/stupiduntilnot/aibot/internal/config"
	ctxpkg "github.com/stupiduntilnot/aibot/internal/context"
	"github.com/stupiduntilnot/aibot/internal/control"
	"github.com/stupiduntilnot/aibot/internal/db"
	"github.com/stupiduntilnot/aibot/internal/dispatch"
	"github.com/stupiduntilnot/aibot/internal/dummy"
	"github.com/stupiduntilnot/aibot/internal/history"
	"github.com/stupiduntilnot/aibot/internal/logging"
	modelpkg "github.com/stupiduntilnot/aibot/internal/model"
	"github.com/stupiduntilnot/aibot/internal/openai"
	"github.com/stupiduntilnot/aibot/internal/quota"
	"github.com/stupiduntilnot/aibot/internal/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires every component and blocks until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	processID, err := store.LogEvent(ctx, nil, db.EventProcessStarted, map[string]any{
		"pid":       os.Getpid(),
		"backend":   cfg.Backend,
		"transport": cfg.Transport,
		"model":     cfg.Model,
	})
	if err != nil {
		logger.Warn("failed to log process.started", "error", err)
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init transport: %w", err)
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to init backend: %w", err)
	}

	policy := control.Policy{
		MaxWallTime:      cfg.PipelineTimeout,
		BreakerThreshold: cfg.Breaker.Threshold,
		BreakerCooldown:  cfg.Breaker.Cooldown,
	}.WithDefaults()
	tracker := quota.NewTracker(store, cfg.MaxMessagesPerDay, logger.With("component", "quota"))
	hist := history.NewManager(store, cfg.MemorySize, logger.With("component", "history"))
	dispatcher := dispatch.New(backend, hist, &ctxpkg.StandardAssembler{}, policy.NewBreaker(), dispatch.Config{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		ContextSize: cfg.ContextSize,
	}, logger.With("component", "dispatch"))

	scheduler := quota.NewScheduler(tracker, logger.With("component", "scheduler"))
	scheduler.OnReset = func(today string, n int64) {
		var parent *int64
		if processID > 0 {
			parent = &processID
		}
		if _, err := store.LogEvent(context.WithoutCancel(ctx), parent, db.EventQuotaReset, map[string]any{
			"date":    today,
			"records": n,
			"trigger": "schedule",
		}); err != nil {
			logger.Warn("failed to log quota.reset", "error", err)
		}
	}
	go scheduler.Run(ctx)

	b := bot.New(bot.Deps{
		Transport:  transport,
		Quota:      tracker,
		History:    hist,
		Dispatcher: dispatcher,
		Events:     store,
		Logger:     logger,
	}, bot.Config{
		Model:             cfg.Model,
		MaxMessageLength:  cfg.MaxMessageLength,
		MaxMessagesPerDay: cfg.MaxMessagesPerDay,
		MemorySize:        cfg.MemorySize,
		AdminIDs:          cfg.AdminIDs,
		MaxConcurrent:     cfg.MaxConcurrent,
		Policy:            policy,
		ProcessEventID:    processID,
	})
	return b.Run(ctx)
}

func newTransport(cfg config.Config, logger *slog.Logger) (cmdpkg.Commander, error) {
	switch cfg.Transport {
	case config.TransportTelegram:
		return telegram.New(telegram.Options{
			Token:        cfg.Telegram.Token,
			APIEndpoint:  cfg.Telegram.APIEndpoint,
			FileEndpoint: cfg.Telegram.FileEndpoint,
			PollTimeout:  cfg.Telegram.PollTimeout,
			SendRate:     cfg.Telegram.SendRate,
			Logger:       logger,
		})
	case config.TransportDummy:
		return dummy.NewCommander(cfg.Dummy.TransportScript, cfg.Dummy.SendScript)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func newBackend(cfg config.Config) (modelpkg.Provider, error) {
	switch cfg.Backend {
	case config.BackendOpenRouter:
		return openai.NewClient(openai.Options{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Referer: cfg.OpenRouter.Referer,
			Title:   cfg.OpenRouter.Title,
			Timeout: cfg.OpenRouter.Timeout,
		}), nil
	case config.BackendDummy:
		return dummy.NewProvider(cfg.Model, cfg.Dummy.BackendScript)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
