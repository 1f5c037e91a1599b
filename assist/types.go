package assist

// Intent is the classified purpose of a chat turn.
type Intent string

const (
	IntentSearchSpecific  Intent = "search_specific"
	IntentBrowseProducts  Intent = "browse_products"
	IntentKnowledgeQuery  Intent = "knowledge_query"
	IntentSmalltalk       Intent = "smalltalk"
	IntentOffTopic        Intent = "off_topic"
	IntentFallbackGeneral Intent = "fallback_general"
)

// ChatRequest is one inbound chat turn, produced by the HTTP layer.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// ChatResponse is the reply for one turn.
type ChatResponse struct {
	ReplyText         string            `json:"reply_text"`
	CarouselMsg       string            `json:"carousel_msg,omitempty"`
	ProductCarousel   []ProductCard     `json:"product_carousel"`
	FollowUpQuestions []string          `json:"follow_up_questions"`
	Intent            Intent            `json:"intent"`
	Sources           []KnowledgeSource `json:"sources"`
	Meta              ResponseMeta      `json:"meta"`
}

// ResponseMeta carries provenance and usage for one turn.
type ResponseMeta struct {
	ConversationID string `json:"conversation_id"`
	ReplyLanguage  string `json:"reply_language"`
	Currency       string `json:"currency"`
	CacheHit       string `json:"cache_hit,omitempty"` // "hot" | "semantic" | ""
	AgenticPath    bool   `json:"agentic_path,omitempty"`
	// AmbiguityReason names why a requested operation could not run, e.g.
	// "compare_requires_two_skus" for a comparison with one product code.
	AmbiguityReason string `json:"ambiguity_reason,omitempty"`
	LLMCalls       int    `json:"llm_calls"`
	PromptTokens   int    `json:"prompt_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

// ProductCard is the transient merged view of a product row and its
// attribute side-table. Lifetime is one request.
type ProductCard struct {
	ID         string            `json:"id"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	Price      float64           `json:"price"`
	Currency   string            `json:"currency"`
	InStock    bool              `json:"in_stock"`
	ImageURL   string            `json:"image_url,omitempty"`
	ProductURL string            `json:"product_url,omitempty"`
	// Attributes is keyed by localized display label, not attribute name.
	Attributes map[string]string `json:"attributes,omitempty"`
	// ButtonLabel is the card's call-to-action text in the reply language.
	ButtonLabel string `json:"button_label,omitempty"`
}

// KnowledgeSource is a transient retrieved knowledge chunk.
type KnowledgeSource struct {
	ChunkID   string  `json:"chunk_id"`
	ArticleID string  `json:"article_id,omitempty"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Category  string  `json:"category,omitempty"`
	Relevance float64 `json:"relevance"`          // 1 - cosine distance
	Distance  float64 `json:"distance,omitempty"` // raw cosine distance
	QueryHint string  `json:"query_hint,omitempty"`
}
