package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/bot-factory/internal/analytics"
	"github.com/xaenox/bot-factory/internal/api"
	"github.com/xaenox/bot-factory/internal/bot"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"github.com/xaenox/bot-factory/internal/registry"
	"github.com/xaenox/bot-factory/internal/responder"
	"github.com/xaenox/bot-factory/internal/storage"
	"github.com/xaenox/bot-factory/pkg/config"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Resume active bots and serve the control API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newBotsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bots",
		Short: "List stored bot records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openStorage(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			bots, err := store.ListBots(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range bots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", b.ID, b.Platform, b.Status, b.Name)
			}
			return nil
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedBots(ctx, store, cfg.Bots, logger); err != nil {
		return err
	}

	ai, err := responder.New(ctx, responder.Config{
		Provider:    cfg.AI.Provider,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		BaseURL:     cfg.AI.BaseURL,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, logger.Named("responder"))
	if err != nil {
		logger.Error("Failed to create AI responder", zap.Error(err))
		return err
	}

	telegramOpts := []platform.TelegramOption{
		platform.WithPollTimeout(cfg.Telegram.PollTimeout),
		platform.WithSendRetry(cfg.Telegram.SendAttempts, cfg.Telegram.SendRetryBackoff),
	}
	if cfg.Telegram.Endpoint != "" {
		telegramOpts = append(telegramOpts, platform.WithEndpoint(cfg.Telegram.Endpoint))
	}
	platforms := platform.NewSet(
		platform.NewTelegram(logger.Named("telegram"), telegramOpts...),
		platform.NewInstagram(logger.Named("instagram")),
		platform.NewWhatsApp(logger.Named("whatsapp")),
	)

	aggregator := analytics.NewAggregator(store, logger.Named("analytics"))
	orchestrator := bot.New(store, ai, aggregator, logger.Named("exchange"), bot.WithAITimeout(cfg.AI.Timeout))
	reg := registry.New(platforms, store, orchestrator, logger.Named("registry"),
		registry.WithStopGrace(cfg.Runtime.StopGrace))

	if cfg.Runtime.StartActive {
		if _, err := reg.StartActive(ctx); err != nil {
			logger.Error("Failed to resume active bots", zap.Error(err))
		}
	}

	serveErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		router := api.NewRouter(reg, aggregator, platforms, api.Config{AllowOrigins: cfg.HTTP.AllowOrigins}, logger.Named("http"))
		server := api.NewServer(cfg.HTTP.Addr, router, logger.Named("http"))
		go func() {
			serveErr <- server.Run(ctx)
		}()
	}

	logger.Info("Bot factory running", zap.Strings("bots", reg.Running()))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.StopGrace+5*time.Second)
	defer cancel()
	if stopErr := reg.StopAll(shutdownCtx); stopErr != nil {
		logger.Warn("Failed to stop all bots cleanly", zap.Error(stopErr))
	}
	return err
}

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Database.Host), zap.String("dbname", cfg.Database.DBName))
	store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}, logger.Named("postgres"))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// seedBots upserts the bot records from config. Seeded bots marked active are
// picked up by StartActive.
func seedBots(ctx context.Context, store storage.BotStorage, seeds []config.BotConfig, logger *zap.Logger) error {
	for _, seed := range seeds {
		b := &models.Bot{
			ID:           seed.ID,
			OwnerID:      seed.OwnerID,
			Name:         seed.Name,
			Platform:     models.Platform(seed.Platform),
			Credentials:  seed.Credentials,
			SystemPrompt: seed.SystemPrompt,
			Status:       models.BotStatusPending,
		}
		if existing, err := store.GetBot(ctx, seed.ID); err == nil {
			b.CreatedAt = existing.CreatedAt
			b.Status = existing.Status
			b.LastActiveAt = existing.LastActiveAt
		}
		if seed.Active {
			b.Status = models.BotStatusActive
		}
		if err := store.SaveBot(ctx, b); err != nil {
			return fmt.Errorf("seed bot %s: %w", seed.ID, err)
		}
		logger.Info("Seeded bot", zap.String("bot_id", b.ID), zap.String("platform", string(b.Platform)))
	}
	return nil
}
