package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
)

var (
	analyzeUser      string
	analyzeSystem    string
	analyzeFile      string
	analyzeTarget    string
	analyzeMethod    string
	analyzeMaxTokens int
	analyzeFormat    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one saliency analysis and print the scores",
	Long: `Runs a single analysis in the foreground and prints one row per phrase.

Example:
  spotlight analyze --user "Be concise. Answer in JSON." --method omission
  spotlight analyze --system-file prompt.txt --user "Hi" --target system --format yaml

Ctrl-C stops the run before the next phrase; no partial scores are printed.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeUser, "user", "u", "", "User message (analyzed unless --target system)")
	analyzeCmd.Flags().StringVarP(&analyzeSystem, "system", "s", "", "System prompt")
	analyzeCmd.Flags().StringVar(&analyzeFile, "system-file", "", "Read the system prompt from a file")
	analyzeCmd.Flags().StringVarP(&analyzeTarget, "target", "t", "user", "Role to analyze: user or system")
	analyzeCmd.Flags().StringVarP(&analyzeMethod, "method", "m", "perturbation", "perturbation, omission or paraphrase")
	analyzeCmd.Flags().IntVar(&analyzeMaxTokens, "max-tokens", 0, "Output cap per model call (0 uses SPOTLIGHT_MAX_TOKENS)")
	analyzeCmd.Flags().StringVarP(&analyzeFormat, "format", "f", "text", "Output format: text, json or yaml")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	write, err := writerFor(analyzeFormat)
	if err != nil {
		return err
	}

	system := analyzeSystem
	if analyzeFile != "" {
		if system != "" {
			return errors.New("--system and --system-file are mutually exclusive")
		}
		b, err := os.ReadFile(analyzeFile)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		system = string(b)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oracle, err := newOracle(ctx, cfg)
	if err != nil {
		return err
	}
	svc, err := analysis.New(oracle, nil, nil, analysis.Options{
		Provider:       cfg.Provider,
		Model:          cfg.Model(),
		MaxTokens:      cfg.MaxTokens,
		MaxPromptChars: cfg.MaxPromptChars,
		RecentRuns:     1,
	}, slog.Default())
	if err != nil {
		return err
	}
	defer svc.Close()

	run, err := svc.Analyze(ctx, analysis.Request{
		User:      analyzeUser,
		System:    system,
		Target:    analyzeTarget,
		Method:    analyzeMethod,
		MaxTokens: analyzeMaxTokens,
	})
	if err != nil {
		return err
	}

	if err := write(cmd.OutOrStdout(), run); err != nil {
		return err
	}
	if run.Status != analysis.StatusCompleted {
		return fmt.Errorf("analysis %s", run.Status)
	}
	return nil
}

func writerFor(format string) (func(io.Writer, *analysis.Run) error, error) {
	switch format {
	case "", "text":
		return render, nil
	case "json":
		return writeJSON, nil
	case "yaml", "yml":
		return writeYAML, nil
	default:
		return nil, fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}
