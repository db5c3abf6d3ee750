package saliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
	"github.com/MikeSquared-Agency/spotlight/internal/perturb"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
	"github.com/MikeSquared-Agency/spotlight/internal/similarity"
)

// DefaultMaxTokens caps baseline and probe outputs when Config leaves it unset.
const DefaultMaxTokens = 512

var (
	// ErrCancelled is returned when a run is aborted between phrases.
	ErrCancelled = errors.New("analysis cancelled")
	// ErrUnknownTarget is returned by ParseTarget.
	ErrUnknownTarget = errors.New("unknown analysis target")
)

// BaselineError reports that the unperturbed prompt could not be answered.
// Nothing can be scored without a baseline, so the run stops.
type BaselineError struct {
	Err error
}

func (e *BaselineError) Error() string {
	return fmt.Sprintf("baseline query failed: %v", e.Err)
}

func (e *BaselineError) Unwrap() error { return e.Err }

// Target names the role whose text is perturbed. The other role's text is
// held fixed as context.
type Target int

const (
	TargetUser Target = iota
	TargetSystem
)

func (t Target) String() string {
	if t == TargetSystem {
		return "system"
	}
	return "user"
}

func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user", "primary":
		return TargetUser, nil
	case "system":
		return TargetSystem, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
}

func (t Target) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Target) UnmarshalText(b []byte) error {
	parsed, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// roles places the primary text in the target role and the context text in
// the other one.
func (t Target) roles(primary, fixed string) (user, system string) {
	if t == TargetSystem {
		return fixed, primary
	}
	return primary, fixed
}

// Progress is reported after every phrase, whether its probe succeeded or not.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Config fixes everything a run needs besides the phrases themselves.
type Config struct {
	Method perturb.Method
	Target Target
	// Context is the text of the role that is not being perturbed.
	Context   string
	MaxTokens int
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

// Budget returns the number of oracle calls a full analysis of n phrases
// makes, baseline included.
func Budget(m perturb.Method, n int) int {
	return 1 + n*(1+m.ExtraCalls())
}

// Scores holds the raw output of one run. Failed marks phrases whose probe
// errored; their score is 0 like a phrase with no measurable impact.
type Scores struct {
	Raw    []float64
	Failed []bool
}

// Runner probes phrases one at a time against a single oracle.
type Runner struct {
	oracle llm.Oracle
	logger *slog.Logger
}

func NewRunner(o llm.Oracle, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{oracle: o, logger: logger}
}

// Run scores every phrase against baseline in ascending index order.
//
// A failed probe is scored 0 and the run moves on. Cancelling ctx stops the
// run before the next phrase; calls already in flight complete, and no
// partial scores are returned.
func (r *Runner) Run(ctx context.Context, phrases segment.Sequence, baseline string, cfg Config, onProgress func(Progress)) (*Scores, error) {
	n := len(phrases)
	scores := &Scores{
		Raw:    make([]float64, 0, n),
		Failed: make([]bool, 0, n),
	}
	callCtx := context.WithoutCancel(ctx)

	for i := range phrases {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w after %d of %d phrases: %w", ErrCancelled, i, n, err)
		}

		variant := cfg.Method.Apply(callCtx, r.oracle, phrases, i)
		user, system := cfg.Target.roles(variant, cfg.Context)

		score, failed := 0.0, false
		out, err := r.oracle.Invoke(callCtx, user, system, cfg.maxTokens())
		if err != nil {
			failed = true
			r.logger.Warn("phrase probe failed, scoring 0",
				"phrase", i,
				"method", cfg.Method.String(),
				"error", err,
			)
		} else {
			score = similarity.Divergence(baseline, out)
		}

		scores.Raw = append(scores.Raw, score)
		scores.Failed = append(scores.Failed, failed)

		if onProgress != nil {
			onProgress(Progress{Completed: i + 1, Total: n})
		}
	}

	return scores, nil
}

// Request is one end-to-end analysis.
type Request struct {
	// Primary is the text that gets segmented and perturbed.
	Primary string
	Config
}

// Result is what a completed analysis hands to a renderer.
type Result struct {
	Phrases    segment.Sequence `json:"phrases"`
	Baseline   string           `json:"baseline"`
	Raw        []float64        `json:"raw"`
	Normalized []float64        `json:"normalized"`
	Failed     []bool           `json:"failed"`
	Calls      int              `json:"calls"`
}

// FailedCount returns how many phrases were scored 0 because their probe failed.
func (r *Result) FailedCount() int {
	n := 0
	for _, f := range r.Failed {
		if f {
			n++
		}
	}
	return n
}

// Analyze segments the primary text, queries the baseline, scores every
// phrase and normalizes the scores. Only a failed baseline or cancellation
// returns an error.
func Analyze(ctx context.Context, o llm.Oracle, req Request, onProgress func(Progress), logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	counter := llm.NewCounter(o)
	phrases := segment.Split(req.Primary)

	logger.Info("analysis starting",
		"phrases", len(phrases),
		"method", req.Method.String(),
		"target", req.Target.String(),
		"budget", Budget(req.Method, len(phrases)),
	)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w before baseline: %w", ErrCancelled, err)
	}
	user, system := req.Target.roles(req.Primary, req.Context)
	baseline, err := counter.Invoke(context.WithoutCancel(ctx), user, system, req.maxTokens())
	if err != nil {
		return nil, &BaselineError{Err: err}
	}

	scores, err := NewRunner(counter, logger).Run(ctx, phrases, baseline, req.Config, onProgress)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Phrases:    phrases,
		Baseline:   baseline,
		Raw:        scores.Raw,
		Normalized: Normalize(scores.Raw),
		Failed:     scores.Failed,
		Calls:      counter.Calls(),
	}

	logger.Info("analysis complete",
		"phrases", len(phrases),
		"calls", res.Calls,
		"failed_probes", res.FailedCount(),
	)
	return res, nil
}
