// Package openai answers oracle calls through the OpenAI Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
)

const provider = "openai"

// Backoff holds the wait before each retry, per failure class. The number
// of attempts is one more than the longest table.
type Backoff struct {
	RateLimit   []time.Duration
	ServerError []time.Duration
}

// DefaultBackoff waits out a full rate-limit window before retrying.
var DefaultBackoff = Backoff{
	RateLimit:   []time.Duration{65 * time.Second, 100 * time.Second},
	ServerError: []time.Duration{5 * time.Second, 30 * time.Second},
}

type Client struct {
	client  openai.Client
	model   string
	backoff Backoff
	logger  *slog.Logger
}

type Option func(*Client)

func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a client for model. Extra request options such as
// option.WithBaseURL are passed through to the SDK.
func NewClient(apiKey, model string, opts []option.RequestOption, clientOpts ...Option) *Client {
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)

	c := &Client{
		client:  openai.NewClient(reqOpts...),
		model:   model,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
	}
	for _, o := range clientOpts {
		o(c)
	}
	return c
}

func (c *Client) Model() string { return c.model }

// Invoke sends one user turn with system as the instructions.
func (c *Client) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Temperature:     openai.Float(0),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(user),
		},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}

	resp, err := c.callWithRetry(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	out := resp.OutputText()
	if strings.TrimSpace(out) == "" {
		return "", llm.Errorf(provider, llm.KindMalformed, nil, "response %s carried no output text", resp.ID)
	}
	return out, nil
}

func (c *Client) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	attempts := 1 + max(len(c.backoff.RateLimit), len(c.backoff.ServerError))

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		rateLimited, serverErr := retryClass(err)
		var wait time.Duration
		switch {
		case rateLimited && attempt < len(c.backoff.RateLimit):
			wait = c.backoff.RateLimit[attempt]
		case serverErr && attempt < len(c.backoff.ServerError):
			wait = c.backoff.ServerError[attempt]
		default:
			return nil, err
		}

		c.logger.Warn("openai call failed, retrying",
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// retryClass prefers the HTTP status when the SDK exposes one.
func retryClass(err error) (rateLimited, serverErr bool) {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429, apiErr.StatusCode >= 500
	}
	return llm.IsRateLimit(err), llm.IsServerError(err)
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.Errorf(provider, llm.KindForStatus(apiErr.StatusCode), err, "api error %d: %s", apiErr.StatusCode, apiErr.Message)
	}
	return llm.Errorf(provider, llm.KindTransport, err, "api call: %v", err)
}

var _ llm.Oracle = (*Client)(nil)
