// Package gemini answers oracle calls through the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
)

const provider = "gemini"

// Client is a thin wrapper around the genai client. Retries are applied
// by wrapping it with llm.Retry.
type Client struct {
	cli   *genai.Client
	model string
}

// NewClient builds a Gemini API client. baseURL overrides the endpoint and
// is empty outside tests.
func NewClient(ctx context.Context, apiKey, model, baseURL string) (*Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{cli: cli, model: model}, nil
}

func (c *Client) Model() string { return c.model }

// Invoke sends one user turn with system as the system instruction.
func (c *Client) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: int32(maxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.cli.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(user, genai.RoleUser)},
		cfg,
	)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", llm.Errorf(provider, llm.KindMalformed, nil, "response carried no candidates")
	}

	out := resp.Text()
	if strings.TrimSpace(out) == "" {
		return "", llm.Errorf(provider, llm.KindMalformed, nil, "empty response text (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return out, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.Errorf(provider, llm.KindForStatus(apiErr.Code), err, "api error %d: %s", apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llm.Errorf(provider, llm.KindForStatus(apiErrPtr.Code), err, "api error %d: %s", apiErrPtr.Code, apiErrPtr.Message)
	}
	return llm.Errorf(provider, llm.KindTransport, err, "api call: %v", err)
}

var _ llm.Oracle = (*Client)(nil)
