package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Oracle answers a single (user, system) prompt pair with the model's text.
// Implementations own transport, auth, retries and rate limiting.
type Oracle interface {
	Invoke(ctx context.Context, user, system string, maxTokens int) (string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, user, system string, maxTokens int) (string, error)

func (f OracleFunc) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	return f(ctx, user, system, maxTokens)
}

// Kind classifies a failed model call.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindTransport Kind = "transport"
	KindMalformed Kind = "malformed"
	KindUnknown   Kind = "unknown"
)

// ModelCallError is returned by every provider when a model call fails.
type ModelCallError struct {
	Provider string
	Kind     Kind
	Reason   string
	Err      error
}

func (e *ModelCallError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Reason)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Errorf builds a ModelCallError with a formatted reason.
func Errorf(provider string, kind Kind, err error, format string, args ...any) *ModelCallError {
	return &ModelCallError{Provider: provider, Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindTransport
	case status >= 400:
		return KindMalformed
	default:
		return KindUnknown
	}
}

// IsRateLimit reports whether err looks like a rate limit rejection.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var mce *ModelCallError
	if errors.As(err, &mce) {
		return mce.Kind == KindRateLimit
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests")
}

// IsServerError reports whether err looks like a retryable upstream failure.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	var mce *ModelCallError
	if errors.As(err, &mce) && mce.Kind != KindUnknown {
		return mce.Kind == KindTransport
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "server_error")
}

// Counter wraps an Oracle and counts invocations, failed ones included.
type Counter struct {
	Oracle
	n atomic.Int64
}

func NewCounter(o Oracle) *Counter {
	return &Counter{Oracle: o}
}

func (c *Counter) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	c.n.Add(1)
	return c.Oracle.Invoke(ctx, user, system, maxTokens)
}

// Calls returns the number of invocations so far.
func (c *Counter) Calls() int {
	return int(c.n.Load())
}

// Retry retries failed calls up to attempts times with exponential backoff
// starting at base. Auth and malformed-request errors are returned at once.
func Retry(o Oracle, attempts int, base time.Duration) Oracle {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	return &retrying{next: o, max: attempts, base: base}
}

type retrying struct {
	next Oracle
	max  int
	base time.Duration
}

func (r *retrying) Invoke(ctx context.Context, user, system string, maxTokens int) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		out, err := r.next.Invoke(ctx, user, system, maxTokens)
		if err == nil {
			return out, nil
		}
		if permanent(err) {
			return "", err
		}
		last = err
		if i == r.max-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.base * time.Duration(1<<i)):
		}
	}
	return "", last
}

func permanent(err error) bool {
	var mce *ModelCallError
	if !errors.As(err, &mce) {
		return false
	}
	return mce.Kind == KindAuth || mce.Kind == KindMalformed
}
