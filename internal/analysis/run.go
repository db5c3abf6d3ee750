package analysis

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/spotlight/internal/perturb"
	"github.com/MikeSquared-Agency/spotlight/internal/saliency"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
)

var (
	ErrNotFound       = errors.New("analysis not found")
	ErrInvalidRequest = errors.New("invalid analysis request")
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrPromptTooLong  = errors.New("prompt too long")
	ErrFinished       = errors.New("analysis already finished")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsInvalid reports whether err is a validation failure of a Request.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyPrompt) ||
		errors.Is(err, ErrPromptTooLong) ||
		errors.Is(err, perturb.ErrUnknownMethod) ||
		errors.Is(err, saliency.ErrUnknownTarget)
}

// Request is the body of an analysis request. Target selects which of User
// and System is segmented and perturbed; the other is held fixed.
type Request struct {
	RequestID string `json:"request_id,omitempty" jsonschema:"description=Caller correlation id echoed in events"`
	User      string `json:"user" jsonschema:"required,description=User message"`
	System    string `json:"system,omitempty" jsonschema:"description=System prompt"`
	Target    string `json:"target,omitempty" jsonschema:"enum=user,enum=system,default=user,description=Role whose text is analyzed"`
	Method    string `json:"method,omitempty" jsonschema:"enum=perturbation,enum=omission,enum=paraphrase,default=perturbation"`
	MaxTokens int    `json:"max_tokens,omitempty" jsonschema:"minimum=0,description=Output cap per model call; 0 uses the server default"`
}

// parsed is a validated Request.
type parsed struct {
	Request
	target    saliency.Target
	method    perturb.Method
	primary   string
	fixed     string
	maxTokens int
}

func (r Request) parse(defaultMaxTokens, maxChars int) (*parsed, error) {
	target, err := saliency.ParseTarget(r.Target)
	if err != nil {
		return nil, err
	}
	method, err := perturb.ParseMethod(r.Method)
	if err != nil {
		return nil, err
	}
	if r.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens must be >= 0, got %d", ErrInvalidRequest, r.MaxTokens)
	}

	p := &parsed{Request: r, target: target, method: method, maxTokens: r.MaxTokens}
	if p.maxTokens == 0 {
		p.maxTokens = defaultMaxTokens
	}

	p.primary, p.fixed = r.User, r.System
	if target == saliency.TargetSystem {
		p.primary, p.fixed = r.System, r.User
		if strings.TrimSpace(r.User) == "" {
			return nil, fmt.Errorf("%w: a user message is required when analyzing the system prompt", ErrEmptyPrompt)
		}
	}
	if strings.TrimSpace(p.primary) == "" {
		return nil, fmt.Errorf("%w: nothing to analyze in the %s role", ErrEmptyPrompt, target)
	}
	if maxChars > 0 {
		if n := utf8.RuneCountInString(r.User) + utf8.RuneCountInString(r.System); n > maxChars {
			return nil, fmt.Errorf("%w: %d characters, limit %d", ErrPromptTooLong, n, maxChars)
		}
	}
	return p, nil
}

// Run is a snapshot of one analysis. Raw and Failed are only set once the
// run has completed.
type Run struct {
	ID         uuid.UUID         `json:"id"`
	RequestID  string            `json:"request_id,omitempty"`
	Status     Status            `json:"status"`
	Method     perturb.Method    `json:"method"`
	Target     saliency.Target   `json:"target"`
	User       string            `json:"user"`
	System     string            `json:"system,omitempty"`
	MaxTokens  int               `json:"max_tokens"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Phrases    segment.Sequence  `json:"phrases"`
	Budget     int               `json:"budget"`
	Progress   saliency.Progress `json:"progress"`
	Baseline   string            `json:"baseline,omitempty"`
	Raw        []float64         `json:"raw,omitempty"`
	Failed     []bool            `json:"failed,omitempty"`
	Calls      int               `json:"calls"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Normalized derives display scores from the raw ones. It is nil until the
// run completes.
func (r *Run) Normalized() []float64 {
	if r.Status != StatusCompleted {
		return nil
	}
	return saliency.Normalize(r.Raw)
}

// FailedCount returns how many phrase probes failed.
func (r *Run) FailedCount() int {
	n := 0
	for _, f := range r.Failed {
		if f {
			n++
		}
	}
	return n
}
