package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
)

const (
	defaultAPIURL = "https://api.anthropic.com/v1/messages"
	provider      = "anthropic"
)

type Client struct {
	apiKey string
	model  string
	apiURL string
	client *http.Client
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
		apiURL: defaultAPIURL,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	c.apiURL = url
}

func (c *Client) Model() string { return c.model }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends one user turn under an optional system prompt. Failures come
// back as *llm.ModelCallError.
func (c *Client) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", llm.Errorf(provider, llm.KindAuth, nil, "no api key configured")
	}
	return c.Complete(ctx, system, []Message{{Role: "user", Content: user}}, maxTokens)
}

// Complete sends a message to the Anthropic API and returns the text response.
// Sampling is pinned to temperature 0 so repeated probes are comparable.
func (c *Client) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	zero := 0.0
	reqBody := request{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: &zero,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", llm.Errorf(provider, llm.KindMalformed, err, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", llm.Errorf(provider, llm.KindTransport, err, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", llm.Errorf(provider, llm.KindTransport, err, "api call: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.Errorf(provider, llm.KindTransport, err, "read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := llm.KindForStatus(resp.StatusCode)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			return "", llm.Errorf(provider, kind, nil, "api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return "", llm.Errorf(provider, kind, nil, "api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", llm.Errorf(provider, llm.KindMalformed, err, "unmarshal response: %v", err)
	}

	for _, block := range apiResp.Content {
		if block.Type == "text" || block.Type == "" {
			if strings.TrimSpace(block.Text) == "" {
				return "", llm.Errorf(provider, llm.KindMalformed, nil, "empty response text (stop reason %s)", apiResp.StopReason)
			}
			return block.Text, nil
		}
	}
	return "", llm.Errorf(provider, llm.KindMalformed, errors.New("no text block"), "empty response content")
}

var _ llm.Oracle = (*Client)(nil)

// String identifies the client in logs.
func (c *Client) String() string {
	return fmt.Sprintf("%s/%s", provider, c.model)
}
