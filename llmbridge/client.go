package llmbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// chatClient implements Client over the go-openai SDK.
type chatClient struct {
	api *openai.Client
	cfg Config
	log *slog.Logger
}

// New creates a chat client.
func New(cfg Config) Client {
	cfg.defaults()
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		apiCfg.BaseURL = cfg.Endpoint
	}
	return &chatClient{
		api: openai.NewClientWithConfig(apiCfg),
		cfg: cfg,
		log: cfg.Logger,
	}
}

func (c *chatClient) ChatJSON(ctx context.Context, budget *Budget, messages []openai.ChatCompletionMessage, temperature float32) (json.RawMessage, error) {
	if err := budget.Take(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, c.classify(err)
	}
	budget.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUpstream)
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("%w: non-JSON completion", ErrUpstream)
	}
	return json.RawMessage(content), nil
}

func (c *chatClient) ChatWithTools(ctx context.Context, budget *Budget, messages []openai.ChatCompletionMessage, tools []openai.Tool, forbidTools bool) (*ToolTurn, error) {
	if err := budget.Take(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Tools:    tools,
	}
	if forbidTools {
		// Forced final completion: the model must answer with what it has.
		req.ToolChoice = "none"
	}

	resp, err := c.api.CreateChatCompletion(callCtx, req)
	if err != nil {
		return nil, c.classify(err)
	}
	budget.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUpstream)
	}
	msg := resp.Choices[0].Message

	turn := &ToolTurn{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return turn, nil
}

// classify maps transport errors onto the package taxonomy.
func (c *chatClient) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
