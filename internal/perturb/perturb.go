package perturb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/spotlight/internal/llm"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
)

const (
	// Placeholder replaces the probed phrase under Perturbation.
	Placeholder = "[MASK]"
	// VaguePlaceholder is used when a paraphrase side query fails or
	// comes back empty.
	VaguePlaceholder = "[something]"
)

// ErrUnknownMethod is returned by ParseMethod.
var ErrUnknownMethod = errors.New("unknown saliency method")

// Method selects how a phrase is perturbed.
type Method int

const (
	// Perturbation substitutes a fixed placeholder for the phrase.
	Perturbation Method = iota
	// Omission leaves the phrase out.
	Omission
	// Paraphrase asks the model for a vague rewrite of the phrase.
	Paraphrase
)

var methodNames = map[Method]string{
	Perturbation: "perturbation",
	Omission:     "omission",
	Paraphrase:   "paraphrase",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod accepts the method names plus the strategy aliases
// substitution, leave-one-out and neutralization.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "perturbation", "substitution":
		return Perturbation, nil
	case "omission", "leave-one-out", "loo":
		return Omission, nil
	case "paraphrase", "neutralization":
		return Paraphrase, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

func (m Method) MarshalText() ([]byte, error) {
	if _, ok := methodNames[m]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, int(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(b []byte) error {
	parsed, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ExtraCalls is the number of side queries the method makes per phrase.
func (m Method) ExtraCalls() int {
	if m == Paraphrase {
		return 1
	}
	return 0
}

// Apply builds the prompt variant for phrase i. Only Paraphrase uses the
// oracle; it never fails, falling back to VaguePlaceholder instead.
func (m Method) Apply(ctx context.Context, o llm.Oracle, seq segment.Sequence, i int) string {
	switch m {
	case Omission:
		return Omit(seq, i)
	case Paraphrase:
		return Neutralize(ctx, o, seq, i)
	default:
		return Substitute(seq, i)
	}
}

// Substitute replaces phrase i with Placeholder, keeping the phrase's
// surrounding whitespace.
func Substitute(seq segment.Sequence, i int) string {
	return replace(seq, i, keepSpacing(seq[i].Text, Placeholder))
}

// Omit drops phrase i. A prompt left empty becomes a single space.
func Omit(seq segment.Sequence, i int) string {
	out := replace(seq, i, "")
	if out == "" {
		return " "
	}
	return out
}

// Neutralize replaces phrase i with a model-written vague rewrite.
func Neutralize(ctx context.Context, o llm.Oracle, seq segment.Sequence, i int) string {
	return replace(seq, i, keepSpacing(seq[i].Text, Rewrite(ctx, o, seq[i].Text)))
}

// Rewrite asks the oracle for a vague version of phrase. Any failure or an
// empty answer yields VaguePlaceholder.
func Rewrite(ctx context.Context, o llm.Oracle, phrase string) string {
	if o == nil {
		return VaguePlaceholder
	}
	// A blank phrase still costs exactly one side query.
	trimmed := strings.TrimSpace(phrase)

	n := utf8.RuneCountInString(trimmed)
	out, err := o.Invoke(ctx, fmt.Sprintf(neutralizeUserPrompt, n, trimmed), neutralizeSystemPrompt, rewriteTokens(n))
	if err != nil {
		return VaguePlaceholder
	}
	out = strings.Trim(strings.TrimSpace(out), "\"'`")
	if out == "" {
		return VaguePlaceholder
	}
	return out
}

// rewriteTokens budgets roughly one token per two characters, with a floor
// for very short phrases.
func rewriteTokens(chars int) int {
	if t := chars/2 + 16; t > 32 {
		return t
	}
	return 32
}

// keepSpacing wraps with in the leading and trailing whitespace of phrase.
func keepSpacing(phrase, with string) string {
	lead := phrase[:len(phrase)-len(strings.TrimLeftFunc(phrase, isSpace))]
	if lead == phrase {
		return lead + with
	}
	trail := phrase[len(strings.TrimRightFunc(phrase, isSpace)):]
	return lead + with + trail
}

func replace(seq segment.Sequence, i int, with string) string {
	var sb strings.Builder
	for j, p := range seq {
		if j == i {
			sb.WriteString(with)
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
