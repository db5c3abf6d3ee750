package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
)

func candidate(text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), "test-key", "test-model", url)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestInvoke_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/test-model:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("unexpected api key header %q", r.Header.Get("x-goog-api-key"))
		}

		var body struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			GenerationConfig struct {
				Temperature     *float64 `json:"temperature"`
				MaxOutputTokens int      `json:"maxOutputTokens"`
			} `json:"generationConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.Contents) != 1 || body.Contents[0].Role != "user" || body.Contents[0].Parts[0].Text != "What is 2+2?" {
			t.Errorf("unexpected contents: %+v", body.Contents)
		}
		if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "Answer with digits." {
			t.Errorf("unexpected system instruction: %+v", body.SystemInstruction)
		}
		if body.GenerationConfig.MaxOutputTokens != 64 {
			t.Errorf("maxOutputTokens = %d", body.GenerationConfig.MaxOutputTokens)
		}
		if body.GenerationConfig.Temperature == nil || *body.GenerationConfig.Temperature != 0 {
			t.Errorf("temperature = %v", body.GenerationConfig.Temperature)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candidate("4"))
	}))
	defer server.Close()

	out, err := newTestClient(t, server.URL).Invoke(context.Background(), "What is 2+2?", "Answer with digits.", 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "4" {
		t.Errorf("expected '4', got %q", out)
	}
}

func TestInvoke_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Invoke(context.Background(), "hi", "", 16)
	var mce *llm.ModelCallError
	if !errors.As(err, &mce) || mce.Kind != llm.KindMalformed {
		t.Fatalf("expected malformed ModelCallError, got %v", err)
	}
}

func TestInvoke_APIError(t *testing.T) {
	tests := []struct {
		status int
		kind   llm.Kind
	}{
		{http.StatusTooManyRequests, llm.KindRateLimit},
		{http.StatusForbidden, llm.KindAuth},
		{http.StatusBadRequest, llm.KindMalformed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": tt.status, "message": "nope", "status": "FAILED"},
				})
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Invoke(context.Background(), "hi", "", 16)
			var mce *llm.ModelCallError
			if !errors.As(err, &mce) {
				t.Fatalf("expected ModelCallError, got %v", err)
			}
			if mce.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", mce.Kind, tt.kind)
			}
			if mce.Provider != "gemini" {
				t.Errorf("provider = %q", mce.Provider)
			}
		})
	}
}
