// Package nlu classifies a chat turn: intent, reply language, target
// currency, and extracted product codes. The LLM does the heavy lifting;
// every field has a deterministic fallback so an LLM failure degrades to a
// neutral verdict instead of an error.
package nlu

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/text/language"

	"github.com/gemdesk/gemdesk/llmbridge"
)

// Intent values produced by the router.
const (
	IntentSearchSpecific  = "search_specific"
	IntentBrowseProducts  = "browse_products"
	IntentKnowledgeQuery  = "knowledge_query"
	IntentSmalltalk       = "smalltalk"
	IntentOffTopic        = "off_topic"
	IntentFallbackGeneral = "fallback_general"
)

var knownIntents = map[string]bool{
	IntentSearchSpecific:  true,
	IntentBrowseProducts:  true,
	IntentKnowledgeQuery:  true,
	IntentSmalltalk:       true,
	IntentOffTopic:        true,
	IntentFallbackGeneral: true,
}

// Verdict is the router's output for one turn.
type Verdict struct {
	Intent         string
	ReplyLanguage  string
	TargetCurrency string
	ShowProducts   bool
	ProductCode    string
	RefinedQuery   string
	// LLMUsed is false when the verdict came from a short-circuit or a
	// fallback after an LLM failure.
	LLMUsed bool
}

// Turn is one prior message handed to the classifier for context.
type Turn struct {
	Role    string
	Content string
}

// Config tunes the router.
type Config struct {
	SupportedCurrencies []string
	DefaultCurrency     string
	DefaultLocale       string
	// LanguageMode: "auto", "locale", or "fixed".
	LanguageMode  string
	FixedLanguage string
	// MaxHistory bounds how many prior turns reach the LLM.
	MaxHistory int
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "USD"
	}
	if len(c.SupportedCurrencies) == 0 {
		c.SupportedCurrencies = []string{"USD", "EUR", "GBP", "CNY", "JPY"}
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = "en"
	}
	if c.LanguageMode == "" {
		c.LanguageMode = "auto"
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 6
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Router classifies turns.
type Router struct {
	llm    llmbridge.Client
	cfg    Config
	logger *slog.Logger
}

// New builds a Router.
func New(llm llmbridge.Client, cfg Config) *Router {
	cfg.defaults()
	return &Router{llm: llm, cfg: cfg, logger: cfg.Logger}
}

// llmVerdict mirrors the JSON object the classification prompt asks for.
type llmVerdict struct {
	Intent        string `json:"intent"`
	ReplyLanguage string `json:"reply_language"`
	Currency      string `json:"target_currency"`
	ShowProducts  bool   `json:"show_products"`
	ProductCode   string `json:"product_code"`
	RefinedQuery  string `json:"refined_query"`
}

const classifyPrompt = `You classify one customer message for a wholesale jewelry storefront.
Return a JSON object with exactly these fields:
  intent: one of "search_specific", "browse_products", "knowledge_query", "smalltalk", "off_topic", "fallback_general"
  reply_language: BCP-47 language tag of the language to answer in
  target_currency: ISO 4217 code if the customer implies one, else ""
  show_products: true if the customer wants to see product results
  product_code: the SKU or product code mentioned, else ""
  refined_query: the message rewritten as a standalone search query`

// Classify produces a Verdict for raw user text. It never returns an error:
// an LLM failure yields the neutral knowledge_query fallback.
func (r *Router) Classify(ctx context.Context, budget *llmbridge.Budget, text, localeHint string, history []Turn) Verdict {
	text = strings.TrimSpace(text)

	// Trivially short input never reaches the LLM.
	if utf8.RuneCountInString(text) < 3 {
		return Verdict{
			Intent:         IntentSmalltalk,
			ReplyLanguage:  r.resolveLanguage("", localeHint),
			TargetCurrency: r.resolveCurrency("", text),
			RefinedQuery:   text,
		}
	}

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
	}
	if n := len(history); n > r.cfg.MaxHistory {
		history = history[n-r.cfg.MaxHistory:]
	}
	for _, t := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	raw, err := r.llm.ChatJSON(ctx, budget, msgs, 0)
	if err != nil {
		r.logger.Warn("nlu classification failed, using neutral fallback", "error", err)
		return r.fallback(text, localeHint)
	}

	var v llmVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		r.logger.Warn("nlu returned malformed json, using neutral fallback", "error", err)
		return r.fallback(text, localeHint)
	}

	intent := strings.ToLower(strings.TrimSpace(v.Intent))
	if !knownIntents[intent] {
		intent = IntentFallbackGeneral
	}

	code := strings.TrimSpace(v.ProductCode)
	if code == "" {
		code = ExtractProductCode(text)
	}

	refined := strings.TrimSpace(v.RefinedQuery)
	if refined == "" {
		refined = text
	}

	return Verdict{
		Intent:         intent,
		ReplyLanguage:  r.resolveLanguage(v.ReplyLanguage, localeHint),
		TargetCurrency: r.resolveCurrency(v.Currency, text),
		ShowProducts:   v.ShowProducts,
		ProductCode:    code,
		RefinedQuery:   refined,
		LLMUsed:        true,
	}
}

func (r *Router) fallback(text, localeHint string) Verdict {
	return Verdict{
		Intent:         IntentKnowledgeQuery,
		ReplyLanguage:  r.resolveLanguage("", localeHint),
		TargetCurrency: r.resolveCurrency("", text),
		ProductCode:    ExtractProductCode(text),
		RefinedQuery:   text,
	}
}

// DeterministicLanguage resolves the reply language without the LLM:
// fixed-mode override, then request locale, then default. Cache keys that
// must be computable before classification use this resolution.
func (r *Router) DeterministicLanguage(localeHint string) string {
	if r.cfg.LanguageMode == "fixed" && r.cfg.FixedLanguage != "" {
		return r.cfg.FixedLanguage
	}
	if tag := parseTag(localeHint); tag != "" {
		return tag
	}
	return r.cfg.DefaultLocale
}

// DeterministicCurrency resolves the display currency without the LLM:
// alias heuristic over the raw text, else the configured default.
func (r *Router) DeterministicCurrency(text string) string {
	return r.resolveCurrency("", text)
}

// resolveLanguage applies the resolution chain:
// fixed-mode override → locale passthrough → LLM-inferred → request locale →
// default locale. Tags are normalized through x/text/language.
func (r *Router) resolveLanguage(llmLanguage, localeHint string) string {
	switch r.cfg.LanguageMode {
	case "fixed":
		if r.cfg.FixedLanguage != "" {
			return r.cfg.FixedLanguage
		}
	case "locale":
		if tag := parseTag(localeHint); tag != "" {
			return tag
		}
	}
	if tag := parseTag(llmLanguage); tag != "" {
		return tag
	}
	if tag := parseTag(localeHint); tag != "" {
		return tag
	}
	return r.cfg.DefaultLocale
}

func parseTag(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	tag, err := language.Parse(s)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// currencyAliases maps lexical hints in the raw text to ISO codes.
var currencyAliases = []struct {
	pattern *regexp.Regexp
	code    string
}{
	{regexp.MustCompile(`(?i)\beur(os?)?\b|€`), "EUR"},
	{regexp.MustCompile(`(?i)\b(usd|dollars?)\b|\$`), "USD"},
	{regexp.MustCompile(`(?i)\b(gbp|pounds?|sterling)\b|£`), "GBP"},
	{regexp.MustCompile(`(?i)\b(cny|rmb|yuan)\b`), "CNY"},
	{regexp.MustCompile(`(?i)\b(jpy|yen)\b|¥`), "JPY"},
}

// resolveCurrency applies: LLM-extracted code (if supported) → alias
// heuristic over the raw text → configured default.
func (r *Router) resolveCurrency(llmCode, text string) string {
	llmCode = strings.ToUpper(strings.TrimSpace(llmCode))
	if llmCode != "" && r.supported(llmCode) {
		return llmCode
	}
	for _, a := range currencyAliases {
		if a.pattern.MatchString(text) && r.supported(a.code) {
			return a.code
		}
	}
	return r.cfg.DefaultCurrency
}

func (r *Router) supported(code string) bool {
	for _, c := range r.cfg.SupportedCurrencies {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

var comparePattern = regexp.MustCompile(`(?i)\b(compare|vs\.?|versus|difference between)\b`)

// IsComparison reports whether the text asks for a product comparison.
// A comparison needs at least two product codes to be answerable.
func IsComparison(text string) bool {
	return comparePattern.MatchString(text)
}

// codePattern matches SKU-like tokens: letters then digits with an optional
// separator, e.g. "SKU-123", "RING_001", "AB1234".
var codePattern = regexp.MustCompile(`\b[A-Za-z]{2,}[-_]?\d{2,}(?:[-_][A-Za-z0-9]+)*\b`)

// ExtractProductCode returns the first SKU-like token in the text, or "".
func ExtractProductCode(text string) string {
	return codePattern.FindString(text)
}

// ExtractProductCodes returns all SKU-like tokens, deduplicated
// case-insensitively in order of first appearance.
func ExtractProductCodes(text string) []string {
	matches := codePattern.FindAllString(text, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		k := strings.ToLower(m)
		if !seen[k] {
			seen[k] = true
			out = append(out, m)
		}
	}
	return out
}
