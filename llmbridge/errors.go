package llmbridge

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when an upstream chat call exceeds its budgeted
// deadline. Chat calls are never retried on timeout.
var ErrTimeout = errors.New("llmbridge: upstream timeout")

// ErrUpstream is returned for non-timeout upstream failures. Callers degrade
// to a cached or deterministic fallback; the raw cause is logged, not shown
// to users.
var ErrUpstream = errors.New("llmbridge: upstream error")

// ErrBudgetExceeded is returned when the per-request call budget is spent.
// The caller must fall back to a deterministic no-LLM path.
var ErrBudgetExceeded = errors.New("llmbridge: call budget exceeded")

// ErrBadToolArguments is the sentinel matched by ArgumentError.
var ErrBadToolArguments = errors.New("llmbridge: malformed tool arguments")

// ArgumentError reports unparseable tool-call arguments. It unwraps to
// ErrBadToolArguments so callers can match with errors.Is.
type ArgumentError struct {
	Raw   string
	Cause error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("llmbridge: malformed tool arguments: %v", e.Cause)
}

func (e *ArgumentError) Unwrap() error { return ErrBadToolArguments }
