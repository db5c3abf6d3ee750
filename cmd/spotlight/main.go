package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/spotlight/internal/anthropic"
	"github.com/MikeSquared-Agency/spotlight/internal/config"
	"github.com/MikeSquared-Agency/spotlight/internal/gemini"
	"github.com/MikeSquared-Agency/spotlight/internal/llm"
	"github.com/MikeSquared-Agency/spotlight/internal/openai"
)

var (
	cfg      config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "spotlight",
	Short: "Prompt saliency service",
	Long: `spotlight estimates how much each phrase of a prompt contributes to a
model's answer. It perturbs one phrase at a time, re-queries the model and
scores each phrase by how far the answer moved.

Run without a subcommand to start the HTTP service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		setupLogging(cfg.LogLevel)
		return nil
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("spotlight failed", "error", err)
		os.Exit(1)
	}
}

// newOracle builds the model client for the configured provider.
func newOracle(ctx context.Context, cfg config.Config) (llm.Oracle, error) {
	backoff := 500 * time.Millisecond

	switch cfg.Provider {
	case config.ProviderOpenAI:
		b := openai.DefaultBackoff
		b.RateLimit = b.RateLimit[:min(len(b.RateLimit), cfg.RetryAttempts-1)]
		b.ServerError = b.ServerError[:min(len(b.ServerError), cfg.RetryAttempts-1)]
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, nil,
			openai.WithBackoff(b),
			openai.WithLogger(slog.Default()),
		), nil
	case config.ProviderGemini:
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, "")
		if err != nil {
			return nil, err
		}
		return llm.Retry(c, cfg.RetryAttempts, backoff), nil
	default:
		return llm.Retry(anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel), cfg.RetryAttempts, backoff), nil
	}
}

// setupLogging installs the JSON handler. Logs go to stderr so that analyze
// output on stdout stays clean.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
