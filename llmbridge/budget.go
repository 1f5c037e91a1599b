package llmbridge

import "sync"

// Budget is a request-scoped accumulator for external-call and token usage.
// It is created per inbound chat turn and threaded explicitly through the
// call chain — never ambient state. Safe for concurrent use: the agent loop
// fans tool calls out within one request.
type Budget struct {
	mu       sync.Mutex
	maxCalls int
	calls    int
	prompt   int
	complete int
}

// NewBudget creates a budget allowing at most maxCalls external LLM calls.
// maxCalls <= 0 means unlimited.
func NewBudget(maxCalls int) *Budget {
	return &Budget{maxCalls: maxCalls}
}

// Take reserves one call slot. Returns ErrBudgetExceeded when spent.
func (b *Budget) Take() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxCalls > 0 && b.calls >= b.maxCalls {
		return ErrBudgetExceeded
	}
	b.calls++
	return nil
}

// AddUsage records token usage reported by the upstream.
func (b *Budget) AddUsage(promptTokens, completionTokens int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompt += promptTokens
	b.complete += completionTokens
}

// Usage returns (calls, promptTokens, completionTokens) consumed so far.
func (b *Budget) Usage() (calls, promptTokens, completionTokens int) {
	if b == nil {
		return 0, 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.prompt, b.complete
}
