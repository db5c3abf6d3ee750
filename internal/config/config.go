package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	SlackBotToken string
	SlackChannel  string

	Provider        string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	GeminiAPIKey    string
	GeminiModel     string

	MaxTokens      int
	RetryAttempts  int
	RecentRuns     int
	MaxPromptChars int
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if there is one.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envInt("SPOTLIGHT_PORT", 8760),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("SPOTLIGHT_API_TOKEN", ""),

		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:  envStr("SLACK_SPOTLIGHT_CHANNEL", ""),

		Provider:        strings.ToLower(envStr("SPOTLIGHT_PROVIDER", ProviderAnthropic)),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("SPOTLIGHT_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIModel:     envStr("SPOTLIGHT_OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:    envStr("GEMINI_API_KEY", ""),
		GeminiModel:     envStr("SPOTLIGHT_GEMINI_MODEL", "gemini-2.5-flash"),

		MaxTokens:      envInt("SPOTLIGHT_MAX_TOKENS", 512),
		RetryAttempts:  envInt("SPOTLIGHT_RETRY_ATTEMPTS", 3),
		RecentRuns:     envInt("SPOTLIGHT_RECENT_RUNS", 256),
		MaxPromptChars: envInt("SPOTLIGHT_MAX_PROMPT_CHARS", 20000),
	}
}

// Model returns the model name configured for the selected provider.
func (c Config) Model() string {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAIModel
	case ProviderGemini:
		return c.GeminiModel
	default:
		return c.AnthropicModel
	}
}

// APIKey returns the key configured for the selected provider.
func (c Config) APIKey() string {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	default:
		return c.AnthropicAPIKey
	}
}

func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unknown provider %q (want anthropic, openai or gemini)", c.Provider)
	}
	if c.APIKey() == "" {
		return fmt.Errorf("no api key set for provider %s", c.Provider)
	}
	if c.Model() == "" {
		return fmt.Errorf("no model set for provider %s", c.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be > 0")
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry attempts must be >= 1")
	}
	if c.RecentRuns <= 0 {
		return errors.New("recent runs must be > 0")
	}
	if c.MaxPromptChars <= 0 {
		return errors.New("max prompt chars must be > 0")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
