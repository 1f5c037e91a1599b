// Package llmbridge wraps the chat-completion API behind the two call shapes
// gemdesk needs: structured JSON extraction and bounded tool calling.
//
// Chat calls are never retried — they are not idempotent and a duplicate
// completion costs real money. Failures surface as typed errors so callers
// select fallbacks explicitly instead of recovering blindly.
package llmbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the LLM collaborator contract.
type Client interface {
	// ChatJSON sends messages and returns the raw JSON object the model
	// produced (JSON response format enforced upstream).
	ChatJSON(ctx context.Context, budget *Budget, messages []openai.ChatCompletionMessage, temperature float32) (json.RawMessage, error)

	// ChatWithTools sends messages with a tool schema and returns the
	// model's content and requested tool calls, if any.
	ChatWithTools(ctx context.Context, budget *Budget, messages []openai.ChatCompletionMessage, tools []openai.Tool, forbidTools bool) (*ToolTurn, error)
}

// ToolTurn is one assistant turn in a tool-calling exchange.
type ToolTurn struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is a single tool invocation requested by the model. Arguments are
// raw JSON text; parse them with ParseArgs, never trust them to be valid.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Config configures the chat client.
type Config struct {
	// Endpoint is the base URL, e.g. "https://api.openai.com/v1".
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// Model used for all chat calls.
	Model string `yaml:"model"`
	// Timeout bounds a single chat call.
	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ParseArgs defensively decodes raw tool-call arguments into dst.
// Malformed JSON is reported as ErrBadToolArguments — a recoverable
// condition fed back to the model, never a crash.
func ParseArgs(raw string, dst any) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return &ArgumentError{Raw: raw, Cause: err}
	}
	return nil
}
