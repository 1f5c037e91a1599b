// WHAT: intent classification, language/currency resolution chains, SKU
// token extraction, and the neutral fallback on LLM failure.
// WHY: every turn passes through the router first; a wrong fallback or a
// broken resolution chain mis-routes the whole request.
package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/llmbridge"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) ChatJSON(ctx context.Context, budget *llmbridge.Budget, messages []openai.ChatCompletionMessage, temperature float32) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, budget *llmbridge.Budget, messages []openai.ChatCompletionMessage, tools []openai.Tool, forbidTools bool) (*llmbridge.ToolTurn, error) {
	return nil, errors.New("not used")
}

func TestClassifyShortCircuit(t *testing.T) {
	llm := &fakeLLM{}
	r := New(llm, Config{})

	v := r.Classify(context.Background(), nil, "hi", "en", nil)
	if llm.calls != 0 {
		t.Fatalf("short input must not call the LLM, got %d calls", llm.calls)
	}
	if v.Intent != IntentSmalltalk {
		t.Errorf("short input intent = %s, want smalltalk", v.Intent)
	}
	if v.TargetCurrency != "USD" {
		t.Errorf("default currency = %s, want USD", v.TargetCurrency)
	}
}

func TestClassifyHappyPath(t *testing.T) {
	llm := &fakeLLM{response: `{
		"intent": "search_specific",
		"reply_language": "de",
		"target_currency": "EUR",
		"show_products": true,
		"product_code": "RING-001",
		"refined_query": "gold ring RING-001"
	}`}
	r := New(llm, Config{})

	v := r.Classify(context.Background(), nil, "zeig mir RING-001", "de-DE", nil)
	if v.Intent != IntentSearchSpecific {
		t.Errorf("intent = %s", v.Intent)
	}
	if v.ReplyLanguage != "de" {
		t.Errorf("language = %s, want de", v.ReplyLanguage)
	}
	if v.TargetCurrency != "EUR" {
		t.Errorf("currency = %s, want EUR", v.TargetCurrency)
	}
	if !v.ShowProducts || v.ProductCode != "RING-001" {
		t.Errorf("verdict = %+v", v)
	}
	if !v.LLMUsed {
		t.Error("LLMUsed should be true on the happy path")
	}
}

func TestClassifyUnknownIntentBecomesFallback(t *testing.T) {
	llm := &fakeLLM{response: `{"intent": "purchase_now"}`}
	r := New(llm, Config{})

	v := r.Classify(context.Background(), nil, "I want to buy everything", "", nil)
	if v.Intent != IntentFallbackGeneral {
		t.Errorf("unknown intent should map to fallback_general, got %s", v.Intent)
	}
}

func TestClassifyLLMFailureFallsBack(t *testing.T) {
	llm := &fakeLLM{err: llmbridge.ErrUpstream}
	r := New(llm, Config{})

	v := r.Classify(context.Background(), nil, "what is your return policy for SKU-123?", "fr", nil)
	if v.Intent != IntentKnowledgeQuery {
		t.Errorf("fallback intent = %s, want knowledge_query", v.Intent)
	}
	if v.ShowProducts {
		t.Error("fallback must not show products")
	}
	if v.ProductCode != "SKU-123" {
		t.Errorf("fallback should still extract codes deterministically, got %q", v.ProductCode)
	}
	if v.ReplyLanguage != "fr" {
		t.Errorf("fallback language = %s, want fr from locale hint", v.ReplyLanguage)
	}
	if v.LLMUsed {
		t.Error("LLMUsed must be false after a fallback")
	}
}

func TestClassifyMalformedJSONFallsBack(t *testing.T) {
	llm := &fakeLLM{response: `{"intent": `}
	r := New(llm, Config{})

	v := r.Classify(context.Background(), nil, "do you ship to Japan?", "", nil)
	if v.Intent != IntentKnowledgeQuery {
		t.Errorf("malformed json should fall back to knowledge_query, got %s", v.Intent)
	}
}

func TestResolveCurrencyChain(t *testing.T) {
	r := New(&fakeLLM{}, Config{DefaultCurrency: "USD"})

	cases := []struct {
		llmCode string
		text    string
		want    string
	}{
		{"EUR", "anything", "EUR"},            // supported LLM code wins
		{"XXX", "price in euros please", "EUR"}, // unsupported code falls to alias
		{"", "how much in ¥?", "JPY"},
		{"", "50 dollars", "USD"},
		{"", "no hint at all", "USD"}, // default
	}
	for _, tc := range cases {
		if got := r.resolveCurrency(tc.llmCode, tc.text); got != tc.want {
			t.Errorf("resolveCurrency(%q, %q) = %s, want %s", tc.llmCode, tc.text, got, tc.want)
		}
	}
}

func TestResolveLanguageModes(t *testing.T) {
	fixed := New(&fakeLLM{}, Config{LanguageMode: "fixed", FixedLanguage: "en"})
	if got := fixed.resolveLanguage("de", "fr"); got != "en" {
		t.Errorf("fixed mode = %s, want en", got)
	}

	locale := New(&fakeLLM{}, Config{LanguageMode: "locale"})
	if got := locale.resolveLanguage("de", "fr-FR"); got != "fr" {
		t.Errorf("locale mode = %s, want fr", got)
	}

	auto := New(&fakeLLM{}, Config{LanguageMode: "auto"})
	if got := auto.resolveLanguage("de", "fr"); got != "de" {
		t.Errorf("auto mode = %s, want de (LLM-inferred)", got)
	}
	if got := auto.resolveLanguage("", "fr"); got != "fr" {
		t.Errorf("auto mode without LLM language = %s, want fr", got)
	}
	if got := auto.resolveLanguage("", ""); got != "en" {
		t.Errorf("auto mode without any hint = %s, want default en", got)
	}
}

func TestDeterministicResolution(t *testing.T) {
	r := New(&fakeLLM{}, Config{})
	if got := r.DeterministicLanguage("de-DE"); got != "de" {
		t.Errorf("DeterministicLanguage(de-DE) = %s, want de", got)
	}
	if got := r.DeterministicLanguage(""); got != "en" {
		t.Errorf("DeterministicLanguage empty = %s, want default en", got)
	}
	fixed := New(&fakeLLM{}, Config{LanguageMode: "fixed", FixedLanguage: "zh"})
	if got := fixed.DeterministicLanguage("de"); got != "zh" {
		t.Errorf("fixed mode = %s, want zh", got)
	}

	if got := r.DeterministicCurrency("price in euros please"); got != "EUR" {
		t.Errorf("DeterministicCurrency = %s, want EUR", got)
	}
	if got := r.DeterministicCurrency("no hint at all"); got != "USD" {
		t.Errorf("DeterministicCurrency default = %s, want USD", got)
	}
}

func TestIsComparison(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"compare SKU-123 and SKU-456", true},
		{"SKU-123 vs SKU-456", true},
		{"SKU-123 vs. SKU-456", true},
		{"RING-001 versus RING-002", true},
		{"what is the difference between these two rings", true},
		{"show me gold rings", false},
		{"is SKU-123 in stock", false},
		{"your conversion rates", false},
	}
	for _, tc := range cases {
		if got := IsComparison(tc.text); got != tc.want {
			t.Errorf("IsComparison(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestExtractProductCodes(t *testing.T) {
	codes := ExtractProductCodes("compare SKU-123 with sku-123 and RING_001-S")
	if len(codes) != 2 {
		t.Fatalf("expected 2 deduplicated codes, got %v", codes)
	}
	if codes[0] != "SKU-123" || codes[1] != "RING_001-S" {
		t.Errorf("codes = %v", codes)
	}

	if got := ExtractProductCode("just words here"); got != "" {
		t.Errorf("expected no code, got %q", got)
	}
}
