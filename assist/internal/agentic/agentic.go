// Package agentic runs the bounded tool-calling loop for turns that need
// live, tool-mediated state (inventory, SKU lookup). Hard limits on rounds,
// total tool calls and per-call time keep latency and cost bounded; the
// loop is resilient to individual tool failures.
//
// State machine: ROUTING -> TOOL_ROUND(n) -> ACCEPT | CONTINUE | FORCE_FINAL
// -> DONE | NO_ANSWER.
package agentic

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/assist/internal/knowledge"
	"github.com/gemdesk/gemdesk/assist/internal/product"
	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Terminal states of the loop.
const (
	StateDone     = "done"
	StateNoAnswer = "no_answer"
)

// Outcome is the loop's final result.
type Outcome struct {
	Reply string
	// Products observed across all rounds, deduplicated by id.
	Products []product.Match
	// Sources observed across all rounds, deduplicated by chunk id.
	Sources []knowledge.Source
	Rounds    int
	ToolCalls int
	State     string
}

// Config bounds the loop.
type Config struct {
	MaxRounds     int
	MaxCallsTotal int
	CallTimeout   time.Duration
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 4
	}
	if c.MaxCallsTotal <= 0 {
		c.MaxCallsTotal = 6
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator owns the tool loop and its collaborators.
type Orchestrator struct {
	llm       llmbridge.Client
	embed     embedder.Embedder
	products  *product.Engine
	knowledge *knowledge.Engine
	store     *store.Store
	cfg       Config
	logger    *slog.Logger
}

// New builds an Orchestrator.
func New(llm llmbridge.Client, emb embedder.Embedder, products *product.Engine, know *knowledge.Engine, st *store.Store, cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		llm:       llm,
		embed:     emb,
		products:  products,
		knowledge: know,
		store:     st,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

const agentSystemPrompt = `You are a sales assistant for a wholesale jewelry storefront.
Use the provided tools to look up products, stock and policies before answering.
Answer only from tool results; if the tools return nothing useful, say you do not have that information.
Reply in %LANG%.`

// Run executes the loop for one turn. History is prior conversation turns;
// the final user message must be last. Run returns an error only for
// unrecoverable LLM failures; tool failures are absorbed into the loop.
func (o *Orchestrator) Run(ctx context.Context, budget *llmbridge.Budget, history []openai.ChatCompletionMessage, userText, replyLanguage string) (*Outcome, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: strings.Replace(agentSystemPrompt, "%LANG%", replyLanguage, 1),
	})
	msgs = append(msgs, history...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	out := &Outcome{State: StateNoAnswer}
	tools := toolSchema()
	seenProducts := map[string]bool{}
	seenChunks := map[string]bool{}
	toolSucceeded := false
	anyToolsRequested := false

	for round := 1; round <= o.cfg.MaxRounds; round++ {
		out.Rounds = round
		turn, err := o.llm.ChatWithTools(ctx, budget, msgs, tools, false)
		if err != nil {
			return out, err
		}

		if len(turn.ToolCalls) == 0 {
			// ACCEPT: a direct answer counts only if some tool succeeded,
			// or the model never wanted tools at all.
			if turn.Content != "" && (toolSucceeded || !anyToolsRequested) {
				out.Reply = turn.Content
				out.State = StateDone
			}
			return out, nil
		}
		anyToolsRequested = true

		calls := turn.ToolCalls
		if remaining := o.cfg.MaxCallsTotal - out.ToolCalls; len(calls) > remaining {
			calls = calls[:remaining]
		}
		if len(calls) == 0 {
			break
		}

		// The assistant message must carry exactly the calls we will answer,
		// so a truncated round stays a valid exchange.
		msgs = append(msgs, assistantToolMessage(turn.Content, calls))
		results := o.fanOut(ctx, calls)
		out.ToolCalls += len(calls)

		for _, r := range results {
			if r.failure == "" {
				toolSucceeded = true
			} else {
				o.logger.Warn("tool call failed", "tool", r.name, "failure", r.failure)
			}
			for _, m := range r.products {
				if !seenProducts[m.Product.ID] {
					seenProducts[m.Product.ID] = true
					out.Products = append(out.Products, m)
				}
			}
			for _, s := range r.sources {
				if !seenChunks[s.ChunkID] {
					seenChunks[s.ChunkID] = true
					out.Sources = append(out.Sources, s)
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: r.callID,
				Content:    r.resultJSON,
			})
		}

		if out.ToolCalls >= o.cfg.MaxCallsTotal {
			break
		}
	}

	// FORCE_FINAL: limits exhausted, ask for a completion with tools
	// forbidden.
	turn, err := o.llm.ChatWithTools(ctx, budget, msgs, tools, true)
	if err != nil {
		return out, err
	}
	if turn.Content != "" && (toolSucceeded || !anyToolsRequested) {
		out.Reply = turn.Content
		out.State = StateDone
	}
	return out, nil
}

// fanOut executes the round's tool calls concurrently, each under its own
// timeout. A timed-out call records a failure without blocking the round.
func (o *Orchestrator) fanOut(ctx context.Context, calls []llmbridge.ToolCall) []toolOutcome {
	results := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llmbridge.ToolCall) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
			results[i] = o.dispatch(callCtx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func assistantToolMessage(content string, calls []llmbridge.ToolCall) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	}
	for _, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   c.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		})
	}
	return msg
}
