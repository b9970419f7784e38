package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mensabot/internal/bus"
	"mensabot/internal/channel"
	"mensabot/internal/config"
	"mensabot/internal/dispatch"
	"mensabot/internal/domain"
	"mensabot/internal/mensa"
	"mensabot/internal/menucache"
	"mensabot/internal/metrics"
	"mensabot/internal/query"
	"mensabot/internal/schedule"

	"github.com/spf13/cobra"
)

var (
	flagWebhook bool
	flagBind    string
	flagPort    int
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot (channels, pipeline, HTTP server)",
		Long:  "Starts all enabled channels, the dispatch pipeline, and the webhook HTTP server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flagWebhook, "webhook", false, "receive Telegram updates via webhook instead of long polling")
	cmd.Flags().StringVar(&flagBind, "bind", "", "listen host (default from config, 0.0.0.0)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "listen port (default from config, 8053)")
}

// fallbackLocations is used when no locations file is configured or readable.
var fallbackLocations = []domain.Location{
	{ID: "academica", Name: "Mensa Academica", CanteenID: 187, Aliases: []string{"hauptmensa", "central"}},
	{ID: "ahornstrasse", Name: "Mensa Ahornstraße", CanteenID: 96, Aliases: []string{"ahorn", "ahornstr"}},
	{ID: "vita", Name: "Mensa Vita", CanteenID: 199},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	applyServeFlags(cfg)
	logger = newLogger(cfg.General.LogLevel)

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	registry := loadRegistry(cfg)

	cache := newMenuCache(cfg)

	pipeline := dispatch.NewPipeline(dispatch.PipelineConfig{
		Bus:          messageBus,
		Interpreter:  query.NewInterpreter(registry),
		Menus:        cache,
		Locations:    registry,
		Logger:       logger,
		Concurrency:  cfg.Pipeline.MaxConcurrentMessages,
		ReplyTimeout: time.Duration(cfg.Pipeline.ReplyTimeoutSeconds) * time.Second,
	})
	go pipeline.Run(ctx)

	scheduler, err := schedule.New(schedule.Config{
		SweepSpec:   cfg.Cache.SweepSpec,
		PrewarmSpec: cfg.Cache.PrewarmSpec,
		Sweeper:     cache,
		Menus:       cache,
		Locations:   registry.All(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	go scheduler.Run(ctx)

	server := channel.NewServer(channel.ServerConfig{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Logger: logger,
	})
	if cfg.Metrics.Enabled {
		server.Mount(cfg.Metrics.Endpoint, metrics.Collector.Handler())
	}

	var channels []domain.Channel

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tgCfg := channel.TelegramConfig{
			Token:       cfg.Channels.Telegram.Token,
			AllowFrom:   cfg.Channels.Telegram.AllowFrom,
			SecretToken: cfg.Channels.Telegram.SecretToken,
			PublicURL:   cfg.Channels.Telegram.PublicURL,
			Logger:      logger,
		}
		if flagWebhook {
			tgCfg.WebhookPath = cfg.Channels.Telegram.WebhookPath
		}
		tg := channel.NewTelegram(tgCfg)
		if flagWebhook {
			server.MountEndpoint(tg)
		}
		channels = append(channels, tg)
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Slack.Enabled {
		sl := channel.NewSlack(channel.SlackConfig{
			BotToken:      cfg.Channels.Slack.BotToken,
			SigningSecret: cfg.Channels.Slack.SigningSecret,
			Logger:        logger,
		})
		slackPath := cfg.Channels.Slack.WebhookPath
		if slackPath == "" {
			slackPath = "/webhook/slack"
		}
		server.Mount(slackPath, sl.Handler())
		channels = append(channels, sl)
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}

	if cfg.Channels.Webhook.Enabled {
		wh := channel.NewWebhook(channel.WebhookConfig{
			Path:   cfg.Channels.Webhook.Path,
			Secret: cfg.Channels.Webhook.Secret,
			Logger: logger,
		})
		server.MountEndpoint(wh)
		channels = append(channels, wh)
	}

	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx) }()

	logger.Info("mensabot started", "addr", server.Addr(), "channels", len(channels))

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			_ = ch.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a single menu query on the command line",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger = newLogger("warn")

			registry := loadRegistry(cfg)
			cache := newMenuCache(cfg)

			pipeline := dispatch.NewPipeline(dispatch.PipelineConfig{
				Interpreter:  query.NewInterpreter(registry),
				Menus:        cache,
				Locations:    registry,
				Logger:       logger,
				ReplyTimeout: time.Duration(cfg.Pipeline.ReplyTimeoutSeconds) * time.Second,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println(pipeline.ProcessDirect(ctx, strings.Join(args, " ")))
			return nil
		},
	}
}

func applyServeFlags(cfg *config.Config) {
	if flagBind != "" {
		cfg.Server.Host = flagBind
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadRegistry(cfg *config.Config) *config.LocationRegistry {
	if cfg.Locations.File != "" {
		registry, err := config.LoadLocations(config.ExpandPath(cfg.Locations.File), cfg.Locations.Default)
		if err == nil {
			return registry
		}
		logger.Warn("locations file not usable, using built-in registry",
			"file", cfg.Locations.File, "err", err)
	}

	registry, err := config.NewLocationRegistry(fallbackLocations, cfg.Locations.Default)
	if err != nil {
		// The built-in set is known-good for any default it contains; an
		// unknown default falls back to the first entry.
		registry, _ = config.NewLocationRegistry(fallbackLocations, fallbackLocations[0].ID)
	}
	return registry
}

func newMenuCache(cfg *config.Config) *menucache.Cache {
	client := mensa.NewClient(mensa.ClientConfig{
		BaseURL:       cfg.Upstream.BaseURL,
		UserAgent:     cfg.Upstream.UserAgent,
		Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		MaxFutureDays: cfg.Upstream.MaxFutureDays,
		Logger:        logger,
	})
	return menucache.New(client, menucache.Config{
		TTL:       time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
		Retention: time.Duration(cfg.Cache.RetentionDays) * 24 * time.Hour,
		Logger:    logger,
	})
}
