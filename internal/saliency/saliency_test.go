package saliency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/spotlight/internal/perturb"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
)

const prompt = "Be concise. Always answer in JSON. Never explain your reasoning."

const baselineOut = `{"answer": "Paris", "confidence": "high"}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	user, system string
	maxTokens    int
}

// scriptedOracle answers by the first matching rule and records every call.
type scriptedOracle struct {
	mu    sync.Mutex
	calls []call
	// respond picks the output for a call; nil means echo the baseline.
	respond func(user, system string) (string, error)
}

func (o *scriptedOracle) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	o.mu.Lock()
	o.calls = append(o.calls, call{user, system, maxTokens})
	o.mu.Unlock()
	if o.respond == nil {
		return baselineOut, nil
	}
	return o.respond(user, system)
}

func (o *scriptedOracle) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func TestAnalyze_CallBudget(t *testing.T) {
	n := len(segment.Split(prompt))

	tests := []struct {
		method perturb.Method
		want   int
	}{
		{perturb.Perturbation, n + 1},
		{perturb.Omission, n + 1},
		{perturb.Paraphrase, 2*n + 1},
	}

	for _, tt := range tests {
		t.Run(tt.method.String(), func(t *testing.T) {
			o := &scriptedOracle{}
			res, err := Analyze(context.Background(), o, Request{Primary: prompt, Config: Config{Method: tt.method}}, nil, discardLogger())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if o.count() != tt.want {
				t.Errorf("oracle calls = %d, want %d", o.count(), tt.want)
			}
			if res.Calls != tt.want {
				t.Errorf("Result.Calls = %d, want %d", res.Calls, tt.want)
			}
			if Budget(tt.method, n) != tt.want {
				t.Errorf("Budget = %d, want %d", Budget(tt.method, n), tt.want)
			}
		})
	}
}

func TestAnalyze_BlankPromptSpendsFullBudget(t *testing.T) {
	if n := len(segment.Split("   ")); n != 1 {
		t.Fatalf("blank prompt split into %d phrases, want 1", n)
	}
	for _, m := range []perturb.Method{perturb.Perturbation, perturb.Omission, perturb.Paraphrase} {
		t.Run(m.String(), func(t *testing.T) {
			o := &scriptedOracle{}
			res, err := Analyze(context.Background(), o, Request{Primary: "   ", Config: Config{Method: m}}, nil, discardLogger())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := Budget(m, 1); o.count() != want || res.Calls != want {
				t.Errorf("calls = %d (result %d), want %d", o.count(), res.Calls, want)
			}
		})
	}
}

func TestAnalyze_EndToEnd(t *testing.T) {
	o := &scriptedOracle{respond: func(user, system string) (string, error) {
		switch {
		case strings.HasPrefix(user, perturb.Placeholder):
			// Dropping "Be concise." changes the answer completely.
			return "Well, let me think about that question at some length before replying.", nil
		case strings.Contains(user, "JSON. "+perturb.Placeholder):
			return `{"answer": "Paris", "confidence": "high", "why": "capital"}`, nil
		default:
			return baselineOut, nil
		}
	}}

	res, err := Analyze(context.Background(), o, Request{Primary: prompt}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Phrases) != 3 {
		t.Fatalf("expected 3 phrases, got %d", len(res.Phrases))
	}
	if res.Baseline != baselineOut {
		t.Errorf("baseline = %q", res.Baseline)
	}
	if res.Raw[1] != 0 {
		t.Errorf("Raw[1] = %v, want 0 for identical output", res.Raw[1])
	}
	if res.Raw[0] < 0.9 {
		t.Errorf("Raw[0] = %v, want close to 1", res.Raw[0])
	}
	if res.Raw[2] <= 0 || res.Raw[2] >= res.Raw[0] {
		t.Errorf("Raw[2] = %v, want between Raw[1] and Raw[0]", res.Raw[2])
	}
	if res.Normalized[0] != 1 || res.Normalized[1] != 0 {
		t.Errorf("Normalized = %v, want phrase 0 pinned to 1 and phrase 1 to 0", res.Normalized)
	}
	if res.FailedCount() != 0 {
		t.Errorf("expected no failures, got %d", res.FailedCount())
	}
}

func TestAnalyze_PartialFailure(t *testing.T) {
	o := &scriptedOracle{respond: func(user, system string) (string, error) {
		if strings.Contains(user, "JSON. "+perturb.Placeholder) {
			return "", errors.New("429 too many requests")
		}
		if strings.Contains(user, perturb.Placeholder) {
			return "completely different output text", nil
		}
		return baselineOut, nil
	}}

	res, err := Analyze(context.Background(), o, Request{Primary: prompt}, nil, discardLogger())
	if err != nil {
		t.Fatalf("run should survive a failed probe: %v", err)
	}
	if len(res.Raw) != 3 {
		t.Fatalf("expected 3 raw scores, got %d", len(res.Raw))
	}
	if res.Raw[2] != 0 {
		t.Errorf("Raw[2] = %v, want 0 for failed probe", res.Raw[2])
	}
	if !res.Failed[2] || res.Failed[0] || res.Failed[1] {
		t.Errorf("Failed = %v, want only phrase 2 marked", res.Failed)
	}
	if res.Raw[0] == 0 || res.Raw[1] == 0 {
		t.Errorf("other phrases should still be scored: %v", res.Raw)
	}
	if o.count() != 4 {
		t.Errorf("oracle calls = %d, want 4", o.count())
	}
}

func TestAnalyze_BaselineFailureIsFatal(t *testing.T) {
	cause := errors.New("invalid x-api-key")
	o := &scriptedOracle{respond: func(user, system string) (string, error) {
		return "", cause
	}}

	progressed := false
	res, err := Analyze(context.Background(), o, Request{Primary: prompt}, func(Progress) { progressed = true }, discardLogger())
	if res != nil {
		t.Error("expected no result")
	}
	var be *BaselineError
	if !errors.As(err, &be) {
		t.Fatalf("expected BaselineError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected BaselineError to unwrap to the oracle error")
	}
	if o.count() != 1 {
		t.Errorf("expected only the baseline call, got %d", o.count())
	}
	if progressed {
		t.Error("no progress should be reported without a baseline")
	}
}

func TestAnalyze_TargetSystem(t *testing.T) {
	o := &scriptedOracle{}
	req := Request{
		Primary: "You are a pirate. Answer briefly.",
		Config: Config{
			Target:    TargetSystem,
			Context:   "What is the capital of France?",
			MaxTokens: 64,
		},
	}
	if _, err := Analyze(context.Background(), o, req, nil, discardLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, c := range o.calls {
		if c.user != req.Context {
			t.Errorf("call %d: user = %q, want the fixed context", i, c.user)
		}
		if c.maxTokens != 64 {
			t.Errorf("call %d: maxTokens = %d, want 64", i, c.maxTokens)
		}
	}
	if o.calls[0].system != req.Primary {
		t.Errorf("baseline system = %q, want the unperturbed primary", o.calls[0].system)
	}
	if o.calls[1].system != "[MASK] Answer briefly." {
		t.Errorf("first probe system = %q", o.calls[1].system)
	}
}

func TestAnalyze_DefaultMaxTokens(t *testing.T) {
	o := &scriptedOracle{}
	if _, err := Analyze(context.Background(), o, Request{Primary: "Hello there."}, nil, discardLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.calls[0].maxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", o.calls[0].maxTokens, DefaultMaxTokens)
	}
}

func TestRun_ProgressInOrder(t *testing.T) {
	o := &scriptedOracle{respond: func(user, system string) (string, error) {
		if strings.HasPrefix(user, "One.") {
			return "", errors.New("transport error")
		}
		return baselineOut, nil
	}}
	phrases := segment.Split("One. Two. Three. Four.")

	var events []Progress
	scores, err := NewRunner(o, discardLogger()).Run(context.Background(), phrases, baselineOut, Config{Method: perturb.Omission}, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 progress events, got %d", len(events))
	}
	for i, e := range events {
		if e.Completed != i+1 || e.Total != 4 {
			t.Errorf("event %d = %+v", i, e)
		}
	}
	if len(scores.Raw) != 4 {
		t.Errorf("expected 4 scores, got %d", len(scores.Raw))
	}
	// Omission of phrase 0 leaves " Two. Three. Four." which is not prefixed
	// by "One."; every other probe starts with "One." and fails.
	for i := 1; i < 4; i++ {
		if !scores.Failed[i] {
			t.Errorf("phrase %d should be marked failed", i)
		}
	}
	if scores.Failed[0] {
		t.Error("phrase 0 should have succeeded")
	}
}

func TestRun_CancelBetweenPhrases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := &scriptedOracle{}
	phrases := segment.Split("One. Two. Three. Four.")

	scores, err := NewRunner(o, discardLogger()).Run(ctx, phrases, baselineOut, Config{}, func(p Progress) {
		if p.Completed == 2 {
			cancel()
		}
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancellation cause to be wrapped, got %v", err)
	}
	if scores != nil {
		t.Error("a cancelled run must not return partial scores")
	}
	if o.count() != 2 {
		t.Errorf("expected 2 probes before cancellation, got %d", o.count())
	}
}

func TestRun_InFlightCallIgnoresCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled bool
	o := &scriptedOracle{}
	o.respond = func(user, system string) (string, error) {
		cancel()
		return baselineOut, nil
	}
	wrapped := oracleFunc(func(callCtx context.Context, user, system string, maxTokens int) (string, error) {
		out, err := o.Invoke(callCtx, user, system, maxTokens)
		if callCtx.Err() != nil {
			sawCancelled = true
		}
		return out, err
	})

	_, err := NewRunner(wrapped, discardLogger()).Run(ctx, segment.Split("One. Two."), baselineOut, Config{}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if sawCancelled {
		t.Error("oracle calls must not observe cancellation mid-call")
	}
	if o.count() != 1 {
		t.Errorf("expected exactly 1 probe, got %d", o.count())
	}
}

func TestAnalyze_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := &scriptedOracle{}
	_, err := Analyze(ctx, o, Request{Primary: prompt}, nil, discardLogger())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if o.count() != 0 {
		t.Errorf("expected no oracle calls, got %d", o.count())
	}
}

func TestAnalyze_Paraphrase(t *testing.T) {
	o := &scriptedOracle{respond: func(user, system string) (string, error) {
		if strings.Contains(system, "rewrite short fragments") {
			return "Do a thing.", nil
		}
		if strings.Contains(user, "Do a thing.") {
			return "something else entirely, nothing alike", nil
		}
		return baselineOut, nil
	}}

	res, err := Analyze(context.Background(), o, Request{Primary: "Be brief. Use JSON.", Config: Config{Method: perturb.Paraphrase}}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.count() != 5 {
		t.Errorf("oracle calls = %d, want 5", o.count())
	}
	// Side query precedes each probe.
	if !strings.Contains(o.calls[1].system, "rewrite short fragments") {
		t.Errorf("call 1 should be the side query, got system %q", o.calls[1].system)
	}
	if o.calls[2].user != "Do a thing. Use JSON." {
		t.Errorf("probe 0 user = %q", o.calls[2].user)
	}
	for i, r := range res.Raw {
		if r <= 0.5 {
			t.Errorf("Raw[%d] = %v, want high divergence", i, r)
		}
	}
	// Both phrases were perturbed to the same output: degenerate set.
	for i, n := range res.Normalized {
		if n != 0.5 {
			t.Errorf("Normalized[%d] = %v, want 0.5", i, n)
		}
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"user", TargetUser, false},
		{"", TargetUser, false},
		{"System", TargetSystem, false},
		{"assistant", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownTarget) {
				t.Errorf("ParseTarget(%q) err = %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseTarget(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestBudget(t *testing.T) {
	if got := Budget(perturb.Paraphrase, 0); got != 1 {
		t.Errorf("Budget(paraphrase, 0) = %d, want 1", got)
	}
	if got := Budget(perturb.Omission, 10); got != 11 {
		t.Errorf("Budget(omission, 10) = %d, want 11", got)
	}
	if got := Budget(perturb.Paraphrase, 10); got != 21 {
		t.Errorf("Budget(paraphrase, 10) = %d, want 21", got)
	}
}

type oracleFunc func(ctx context.Context, user, system string, maxTokens int) (string, error)

func (f oracleFunc) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	return f(ctx, user, system, maxTokens)
}
