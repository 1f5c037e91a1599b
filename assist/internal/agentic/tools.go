package agentic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/assist/internal/knowledge"
	"github.com/gemdesk/gemdesk/assist/internal/nlu"
	"github.com/gemdesk/gemdesk/assist/internal/product"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Tool names form a closed set; unknown names are rejected at dispatch.
const (
	toolSearchProducts   = "search_products"
	toolProductDetails   = "get_product_details"
	toolSearchKnowledge  = "search_knowledge_base"
	toolCheckInventoryDB = "check_inventory_db"
)

type searchProductsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type productDetailsArgs struct {
	SKU string `json:"sku"`
}

type searchKnowledgeArgs struct {
	Query string `json:"query"`
	Tag   string `json:"tag,omitempty"`
}

type checkInventoryArgs struct {
	SKU string `json:"sku"`
}

func toolSchema() []openai.Tool {
	obj := func(props map[string]any, required ...string) json.RawMessage {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		b, _ := json.Marshal(schema)
		return b
	}
	return []openai.Tool{
		{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{
			Name:        toolSearchProducts,
			Description: "Search the jewelry catalog by free text or SKU. Returns ranked product summaries.",
			Parameters: obj(map[string]any{
				"query": map[string]any{"type": "string", "description": "search text or SKU"},
				"limit": map[string]any{"type": "integer", "description": "max results, default 8"},
			}, "query"),
		}},
		{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{
			Name:        toolProductDetails,
			Description: "Fetch full details and attributes for one product by exact SKU.",
			Parameters: obj(map[string]any{
				"sku": map[string]any{"type": "string"},
			}, "sku"),
		}},
		{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{
			Name:        toolSearchKnowledge,
			Description: "Search store policies and FAQ articles (shipping, returns, payment, customs).",
			Parameters: obj(map[string]any{
				"query": map[string]any{"type": "string"},
				"tag":   map[string]any{"type": "string", "description": "optional topic tag filter"},
			}, "query"),
		}},
		{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{
			Name:        toolCheckInventoryDB,
			Description: "Check live stock status for one product by exact SKU.",
			Parameters: obj(map[string]any{
				"sku": map[string]any{"type": "string"},
			}, "sku"),
		}},
	}
}

// toolOutcome is what one executed tool call contributes back to the loop.
type toolOutcome struct {
	callID string
	name   string
	// resultJSON is fed back to the model as the tool-result message.
	resultJSON string
	// failure is "", "timeout", "error" or "invalid_arguments".
	failure  string
	products []product.Match
	sources  []knowledge.Source
}

func failureResult(kind, message string) string {
	b, _ := json.Marshal(map[string]string{"status": kind, "message": message})
	return string(b)
}

// dispatch executes one tool call. The context already carries the per-call
// timeout. Argument JSON is parsed defensively: malformed arguments come
// back as an invalid_arguments result, never an error.
func (o *Orchestrator) dispatch(ctx context.Context, call llmbridge.ToolCall) toolOutcome {
	out := toolOutcome{callID: call.ID, name: call.Name}

	switch call.Name {
	case toolSearchProducts:
		var args searchProductsArgs
		if err := llmbridge.ParseArgs(call.Arguments, &args); err != nil {
			out.failure = "invalid_arguments"
			out.resultJSON = failureResult(out.failure, err.Error())
			return out
		}
		o.runSearchProducts(ctx, args, &out)
	case toolProductDetails:
		var args productDetailsArgs
		if err := llmbridge.ParseArgs(call.Arguments, &args); err != nil {
			out.failure = "invalid_arguments"
			out.resultJSON = failureResult(out.failure, err.Error())
			return out
		}
		o.runProductDetails(ctx, args, &out)
	case toolSearchKnowledge:
		var args searchKnowledgeArgs
		if err := llmbridge.ParseArgs(call.Arguments, &args); err != nil {
			out.failure = "invalid_arguments"
			out.resultJSON = failureResult(out.failure, err.Error())
			return out
		}
		o.runSearchKnowledge(ctx, args, &out)
	case toolCheckInventoryDB:
		var args checkInventoryArgs
		if err := llmbridge.ParseArgs(call.Arguments, &args); err != nil {
			out.failure = "invalid_arguments"
			out.resultJSON = failureResult(out.failure, err.Error())
			return out
		}
		o.runCheckInventory(ctx, args, &out)
	default:
		out.failure = "invalid_arguments"
		out.resultJSON = failureResult(out.failure, fmt.Sprintf("unknown tool %q", call.Name))
	}
	return out
}

type productSummary struct {
	SKU        string  `json:"sku"`
	Name       string  `json:"name"`
	PriceCents int64   `json:"price_cents"`
	Currency   string  `json:"currency"`
	InStock    bool    `json:"in_stock"`
	Distance   float64 `json:"distance"`
}

func summarize(matches []product.Match) []productSummary {
	out := make([]productSummary, len(matches))
	for i, m := range matches {
		out[i] = productSummary{
			SKU:        m.Product.SKU,
			Name:       m.Product.Name,
			PriceCents: m.Product.PriceCents,
			Currency:   m.Product.Currency,
			InStock:    m.Product.InStock,
			Distance:   m.Distance,
		}
	}
	return out
}

func (o *Orchestrator) runSearchProducts(ctx context.Context, args searchProductsArgs, out *toolOutcome) {
	vec, err := o.embed.Embed(ctx, args.Query)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	tokens := nlu.ExtractProductCodes(args.Query)
	res, err := o.products.SmartSearch(ctx, vec, tokens, args.Limit, 0)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	out.products = res.Matches
	b, _ := json.Marshal(map[string]any{"products": summarize(res.Matches), "exact": res.Exact})
	out.resultJSON = string(b)
}

func (o *Orchestrator) runProductDetails(ctx context.Context, args productDetailsArgs, out *toolOutcome) {
	p, err := o.store.FindProductBySKU(ctx, args.SKU)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	if p == nil {
		out.resultJSON = failureResult("error", "no product with sku "+args.SKU)
		return
	}
	attrs, err := o.store.AttributeLookup(ctx, []string{p.ID})
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	out.products = []product.Match{{Product: *p}}
	b, _ := json.Marshal(map[string]any{"product": p, "attributes": attrs[p.ID]})
	out.resultJSON = string(b)
}

func (o *Orchestrator) runSearchKnowledge(ctx context.Context, args searchKnowledgeArgs, out *toolOutcome) {
	// Tool-path retrieval is always the baseline: decomposition inside a
	// tool call would nest LLM calls inside the agent loop.
	vec, err := o.embed.Embed(ctx, args.Query)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	chunks, err := o.store.VectorNearestChunks(ctx, vec, o.knowledge.TopK(), args.Tag)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	sources := o.knowledge.SourcesFromChunks(chunks, args.Query)
	out.sources = sources

	type snippet struct {
		Title     string  `json:"title"`
		Snippet   string  `json:"snippet"`
		Relevance float64 `json:"relevance"`
	}
	list := make([]snippet, len(sources))
	for i, s := range sources {
		list[i] = snippet{Title: s.Title, Snippet: s.Snippet, Relevance: s.Relevance}
	}
	b, _ := json.Marshal(map[string]any{"articles": list})
	out.resultJSON = string(b)
}

func (o *Orchestrator) runCheckInventory(ctx context.Context, args checkInventoryArgs, out *toolOutcome) {
	p, err := o.store.FindProductBySKU(ctx, args.SKU)
	if err != nil {
		o.fail(ctx, out, err)
		return
	}
	if p == nil {
		out.resultJSON = failureResult("error", "no product with sku "+args.SKU)
		return
	}
	b, _ := json.Marshal(map[string]any{"sku": p.SKU, "in_stock": p.InStock})
	out.resultJSON = string(b)
}

// fail records a typed failure on the outcome: a deadline hit is "timeout",
// anything else "error". The failure is surfaced to the model as a tool
// result, so the loop survives individual tool failures.
func (o *Orchestrator) fail(ctx context.Context, out *toolOutcome, err error) {
	if ctx.Err() == context.DeadlineExceeded {
		out.failure = "timeout"
		out.resultJSON = failureResult(out.failure, "tool call exceeded its time budget")
		return
	}
	out.failure = "error"
	out.resultJSON = failureResult(out.failure, err.Error())
}
