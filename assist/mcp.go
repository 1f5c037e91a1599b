package assist

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gemdesk/gemdesk/assist/internal/nlu"
	"github.com/gemdesk/gemdesk/kit"
)

// RegisterMCP exposes the retrieval engines as MCP tools. MCP clients drive
// the engines directly, without the chat orchestration around them.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerStructuredTool(srv)
	s.registerKnowledgeTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// mcpChannel tags the context so cache fingerprints stay channel-separated.
func mcpChannel(ctx context.Context) context.Context {
	return kit.WithChannel(ctx, "mcp")
}

// --- search_products ---

type mcpSearchReq struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	Currency string `json:"currency"`
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "gemdesk_search_products",
		Description: "Hybrid product search over the jewelry catalog: exact SKU match first, vector similarity otherwise.",
		InputSchema: inputSchema(map[string]any{
			"query":    map[string]any{"type": "string", "description": "Search text or SKU"},
			"limit":    map[string]any{"type": "integer", "description": "Max results"},
			"currency": map[string]any{"type": "string", "description": "Display currency, ISO 4217"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpSearchReq)
		if r.Query == "" {
			return nil, errors.New("query is required")
		}
		vec, err := s.embed.Embed(ctx, r.Query)
		if err != nil {
			return nil, err
		}
		res, err := s.products.SmartSearch(ctx, vec, nlu.ExtractProductCodes(r.Query), r.Limit, s.cfg.Search.LooseDistance)
		if err != nil {
			return nil, err
		}
		currency := r.Currency
		if currency == "" {
			currency = s.cfg.DefaultCurrency
		}
		return map[string]any{
			"products": s.buildCards(ctx, nil, res.Matches, currency, "en"),
			"exact":    res.Exact,
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpSearchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpChannel}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- structured_search ---

type mcpStructuredReq struct {
	SKU     string            `json:"sku"`
	Filters map[string]string `json:"filters"`
	Limit   int               `json:"limit"`
}

func (s *Service) registerStructuredTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "gemdesk_structured_search",
		Description: "Attribute-filtered product lookup without vector similarity, e.g. {\"metal\": \"gold\"}.",
		InputSchema: inputSchema(map[string]any{
			"sku":     map[string]any{"type": "string", "description": "Exact SKU, checked before filters"},
			"filters": map[string]any{"type": "object", "description": "Attribute name to value"},
			"limit":   map[string]any{"type": "integer"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpStructuredReq)
		if r.SKU == "" && len(r.Filters) == 0 {
			return nil, errors.New("sku or filters required")
		}
		res, err := s.products.StructuredSearch(ctx, r.SKU, r.Filters, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"products": s.buildCards(ctx, nil, res.Matches, s.cfg.DefaultCurrency, "en"),
			"path":     res.Path,
			"exact":    res.Exact,
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpStructuredReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpChannel}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- search_knowledge_base ---

type mcpKnowledgeReq struct {
	Query string `json:"query"`
	Tag   string `json:"tag"`
}

func (s *Service) registerKnowledgeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "gemdesk_search_knowledge",
		Description: "Search store policies and FAQ articles by semantic similarity.",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"tag":   map[string]any{"type": "string", "description": "Optional topic tag filter"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpKnowledgeReq)
		if r.Query == "" {
			return nil, errors.New("query is required")
		}
		vec, err := s.embed.Embed(ctx, r.Query)
		if err != nil {
			return nil, err
		}
		chunks, err := s.store.VectorNearestChunks(ctx, vec, s.knowledge.TopK(), r.Tag)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"sources": convertSources(s.knowledge.SourcesFromChunks(chunks, r.Query)),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpKnowledgeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpChannel}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
