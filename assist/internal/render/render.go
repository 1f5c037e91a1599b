// Package render enforces response consistency and does the final
// presentation work: deterministic repair when the reply text contradicts
// the product carousel, price conversion into the target display currency,
// and label localization for non-English replies.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/gemdesk/gemdesk/assist/internal/cache"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Config tunes the renderer.
type Config struct {
	// ExchangeRates maps ISO codes to units per USD. USD is implicitly 1.
	ExchangeRates map[string]float64
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.ExchangeRates == nil {
		c.ExchangeRates = map[string]float64{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer applies consistency repair and localization.
type Renderer struct {
	llm    llmbridge.Client
	labels *cache.Labels
	cfg    Config
	logger *slog.Logger
}

// New builds a Renderer. The label cache may be nil to disable caching.
func New(llm llmbridge.Client, labels *cache.Labels, cfg Config) *Renderer {
	cfg.defaults()
	return &Renderer{llm: llm, labels: labels, cfg: cfg, logger: cfg.Logger}
}

// Phrases that claim an empty result. Lowercased substring match is enough:
// the repair is deliberately coarse, replacing the whole reply with a
// template rather than editing the LLM's wording.
var noProductPhrases = []string{
	"no products", "no matching products", "no items match",
	"couldn't find any", "could not find any", "didn't find any",
	"did not find any", "nothing matching", "no results",
}

// Phrases that present products to the customer.
var presentingPhrases = []string{
	"here are", "here is", "i found", "we found", "these products",
	"take a look", "check out", "matching products below",
}

type templates struct {
	found    string // takes the product count
	notFound string
}

var templatesByLang = map[string]templates{
	"en": {
		found:    "I found %d matching products for you — see below.",
		notFound: "I couldn't find any matching products. Could you describe what you're looking for differently?",
	},
	"de": {
		found:    "Ich habe %d passende Produkte gefunden — siehe unten.",
		notFound: "Ich konnte leider keine passenden Produkte finden. Können Sie Ihre Anfrage anders formulieren?",
	},
	"fr": {
		found:    "J'ai trouvé %d produits correspondants — voir ci-dessous.",
		notFound: "Je n'ai trouvé aucun produit correspondant. Pouvez-vous reformuler votre recherche ?",
	},
	"es": {
		found:    "He encontrado %d productos que coinciden — véalos abajo.",
		notFound: "No he encontrado productos que coincidan. ¿Puede describir lo que busca de otra manera?",
	},
	"zh": {
		found:    "我为您找到了 %d 件匹配的商品，请见下方。",
		notFound: "没有找到匹配的商品。您能换一种方式描述您要找的商品吗？",
	},
}

var templateMatcher = func() language.Matcher {
	tags := make([]language.Tag, 0, len(templatesByLang))
	tags = append(tags, language.English) // first tag is the fallback
	for code := range templatesByLang {
		if code == "en" {
			continue
		}
		tags = append(tags, language.MustParse(code))
	}
	return language.NewMatcher(tags)
}()

func templatesFor(lang string) templates {
	tag, err := language.Parse(lang)
	if err != nil {
		return templatesByLang["en"]
	}
	matched, _, _ := templateMatcher.Match(tag)
	base, _ := matched.Base()
	if t, ok := templatesByLang[base.String()]; ok {
		return t
	}
	return templatesByLang["en"]
}

// Repair reconciles the reply text with the carousel. When the text claims
// no products but the carousel is non-empty (or the reverse), the text is
// replaced with a localized template. This is a deterministic rewrite, not
// a re-generation; Repair reports whether it fired.
func Repair(replyText string, carouselSize int, lang string) (string, bool) {
	lower := strings.ToLower(replyText)

	claimsNone := false
	for _, p := range noProductPhrases {
		if strings.Contains(lower, p) {
			claimsNone = true
			break
		}
	}
	presents := false
	for _, p := range presentingPhrases {
		if strings.Contains(lower, p) {
			presents = true
			break
		}
	}

	t := templatesFor(lang)
	if claimsNone && carouselSize > 0 {
		return fmt.Sprintf(t.found, carouselSize), true
	}
	if presents && !claimsNone && carouselSize == 0 {
		return t.notFound, true
	}
	return replyText, false
}

// ConvertPrice converts an amount in cents between currencies using the
// configured per-USD rates. Unknown rates leave the amount unchanged.
func (r *Renderer) ConvertPrice(cents int64, from, to string) (int64, string) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return cents, to
	}
	fromRate := r.rate(from)
	toRate := r.rate(to)
	if fromRate == 0 || toRate == 0 {
		return cents, from
	}
	usd := float64(cents) / fromRate
	return int64(usd*toRate + 0.5), to
}

func (r *Renderer) rate(code string) float64 {
	if code == "USD" {
		return 1
	}
	return r.cfg.ExchangeRates[code]
}

// FormatPrice renders cents with the currency's symbol, e.g. "€ 12.50".
func FormatPrice(cents int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %.2f", code, float64(cents)/100)
	}
	return fmt.Sprintf("%v %.2f", currency.Symbol(unit), float64(cents)/100)
}

// LocalizeLabels translates UI labels (button text, attribute names) into
// the reply language. English replies pass through untouched. Identical
// label sets within the cache TTL reuse the earlier translation; on any
// failure the English labels are returned as-is.
func (r *Renderer) LocalizeLabels(ctx context.Context, budget *llmbridge.Budget, labels map[string]string, lang string) map[string]string {
	if len(labels) == 0 || strings.HasPrefix(strings.ToLower(lang), "en") {
		return labels
	}

	key := labelKey(labels, lang)
	if r.labels != nil {
		if cached, ok := r.labels.Get(key); ok {
			return cached
		}
	}

	payload, err := json.Marshal(labels)
	if err != nil {
		return labels
	}
	raw, err := r.llm.ChatJSON(ctx, budget, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "Translate each JSON value into the language with BCP-47 tag \"" + lang + "\". Keep the keys unchanged. Return the same JSON shape."},
		{Role: openai.ChatMessageRoleUser, Content: string(payload)},
	}, 0)
	if err != nil {
		r.logger.Warn("label localization failed, keeping english labels", "error", err, "lang", lang)
		return labels
	}

	var localized map[string]string
	if err := json.Unmarshal(raw, &localized); err != nil || len(localized) == 0 {
		return labels
	}
	// Missing keys fall back to the source label.
	for k, v := range labels {
		if localized[k] == "" {
			localized[k] = v
		}
	}
	if r.labels != nil {
		r.labels.Set(key, localized)
	}
	return localized
}

func labelKey(labels map[string]string, lang string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(lang)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
