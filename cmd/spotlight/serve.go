package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
	"github.com/MikeSquared-Agency/spotlight/internal/api"
	"github.com/MikeSquared-Agency/spotlight/internal/hermes"
	"github.com/MikeSquared-Agency/spotlight/internal/slack"
	"github.com/MikeSquared-Agency/spotlight/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (default)",
	Long: `Starts the HTTP API. Postgres history, NATS events and Slack
notifications are enabled when DATABASE_URL, NATS_URL and
SLACK_BOT_TOKEN/SLACK_SPOTLIGHT_CHANNEL are set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	slog.Info("spotlight starting", "port", cfg.Port, "provider", cfg.Provider, "model", cfg.Model())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	oracle, err := newOracle(ctx, cfg)
	if err != nil {
		return err
	}

	// Database (optional: without it only recent runs are kept, in memory)
	var repo analysis.Repository
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		if n, err := db.AbandonUnfinished(ctx); err != nil {
			return err
		} else if n > 0 {
			slog.Warn("marked interrupted analyses failed", "count", n)
		}
		repo = db
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, analysis history is kept in memory only")
	}

	// NATS/Hermes (optional)
	var pub analysis.Publisher
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer hermesClient.Close()
		pub = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, running without events")
	}

	// Slack poster (optional)
	var notifier analysis.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	}

	svc, err := analysis.New(oracle, repo, pub, analysis.Options{
		Provider:       cfg.Provider,
		Model:          cfg.Model(),
		MaxTokens:      cfg.MaxTokens,
		MaxPromptChars: cfg.MaxPromptChars,
		RecentRuns:     cfg.RecentRuns,
		Notifier:       notifier,
	}, slog.Default())
	if err != nil {
		return err
	}
	defer svc.Close()

	if hermesClient != nil {
		if err := hermesClient.ServeRequests(svc.HandleRequested); err != nil {
			return fmt.Errorf("subscribe to analysis requests: %w", err)
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, svc, api.Info{
		Provider:    cfg.Provider,
		Model:       cfg.Model(),
		Persistence: repo != nil,
		Events:      pub != nil,
	})
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if hermesClient != nil {
		if err := hermesClient.Publish(hermes.SubjectAgentRegistered, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
			"provider":  cfg.Provider,
			"model":     cfg.Model(),
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("spotlight ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	svc.Close()
	slog.Info("spotlight stopped")
	return nil
}
