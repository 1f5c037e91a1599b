// Package knowledge retrieves knowledge-base chunks for a question, with
// adaptive query decomposition: a complex policy question whose baseline
// retrieval looks weak or ambiguous is split into sub-questions that are
// retrieved independently, guaranteeing every sub-topic at least one source.
package knowledge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/assist/internal/gate"
	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Source is one retrieved chunk with provenance.
type Source struct {
	ChunkID   string
	ArticleID string
	Title     string
	Snippet   string
	Category  string
	// Relevance is 1 - cosine distance.
	Relevance float64
	Distance  float64
	// QueryHints records which queries (original or sub-questions) surfaced
	// this chunk. A chunk found by several queries keeps all of them.
	QueryHints []string
}

// Metrics describes how confident the baseline retrieval was and whether
// decomposition ran.
type Metrics struct {
	D1  float64
	D10 float64
	Gap float64
	// Decomposed is true when the sub-question path ran.
	Decomposed   bool
	SubQuestions []string
}

// Config tunes the engine. WeakDistance and GapThreshold are tuned per
// embedding model; they belong in deployment config, not code.
type Config struct {
	TopK            int
	WeakDistance    float64
	GapThreshold    float64
	PerQueryKeep    int
	MaxSubQuestions int
	MinSubQuestions int
	SnippetRunes    int
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.TopK <= 0 {
		c.TopK = 6
	}
	if c.WeakDistance <= 0 {
		c.WeakDistance = 0.55
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = 0.06
	}
	if c.PerQueryKeep <= 0 {
		c.PerQueryKeep = 1
	}
	if c.MaxSubQuestions <= 0 {
		c.MaxSubQuestions = 8
	}
	if c.MinSubQuestions <= 0 {
		c.MinSubQuestions = 4
	}
	if c.SnippetRunes <= 0 {
		c.SnippetRunes = 400
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine retrieves knowledge sources.
type Engine struct {
	store     *store.Store
	embed     embedder.Embedder
	llm       llmbridge.Client
	cfg       Config
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// New builds an Engine.
func New(st *store.Store, emb embedder.Embedder, llm llmbridge.Client, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:     st,
		embed:     emb,
		llm:       llm,
		cfg:       cfg,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    cfg.Logger,
	}
}

// Retrieve runs baseline top-K retrieval and, when the decomposition gate
// fires, the sub-question coverage path. Tag, when non-empty, restricts
// chunks to that tag. A decomposition failure degrades to the baseline
// result, never to an error.
func (e *Engine) Retrieve(ctx context.Context, budget *llmbridge.Budget, query string, features gate.TextFeatures, tag string) ([]Source, Metrics, error) {
	vec, err := e.embed.Embed(ctx, query)
	if err != nil {
		return nil, Metrics{}, err
	}

	// Fetch at least 10 so d10 is meaningful even with a small TopK.
	fetchK := e.cfg.TopK
	if fetchK < 10 {
		fetchK = 10
	}
	baseline, err := e.store.VectorNearestChunks(ctx, vec, fetchK, tag)
	if err != nil {
		return nil, Metrics{}, err
	}

	m := confidence(baseline)

	if !e.shouldDecompose(features, m) {
		return e.sources(trim(baseline, e.cfg.TopK), query), m, nil
	}

	subs := e.decompose(ctx, budget, query)
	if len(subs) == 0 {
		return e.sources(trim(baseline, e.cfg.TopK), query), m, nil
	}
	m.Decomposed = true
	m.SubQuestions = subs

	merged, err := e.coverageRetrieve(ctx, query, baseline, subs, tag)
	if err != nil {
		e.logger.Warn("coverage retrieval failed, keeping baseline", "error", err)
		return e.sources(trim(baseline, e.cfg.TopK), query), m, nil
	}
	return merged, m, nil
}

// shouldDecompose: the turn must be simultaneously complex, question-like
// and policy-like, AND the baseline retrieval weak (d1 >= weak) or
// ambiguous (gap < threshold). A single confident retrieval is trusted.
func (e *Engine) shouldDecompose(f gate.TextFeatures, m Metrics) bool {
	if !f.Complex || !f.QuestionLike || f.PolicyTopics == 0 {
		return false
	}
	return m.D1 >= e.cfg.WeakDistance || m.Gap < e.cfg.GapThreshold
}

const decomposePrompt = `Split the customer question into standalone sub-questions, each answerable on its own.
Return a JSON object: {"sub_questions": ["...", "..."]}.
Produce between %MIN% and %MAX% sub-questions. Keep the customer's language.`

// decompose asks the LLM for sub-questions. Failures return nil so the
// caller keeps the baseline result.
func (e *Engine) decompose(ctx context.Context, budget *llmbridge.Budget, query string) []string {
	prompt := strings.NewReplacer(
		"%MIN%", strconv.Itoa(e.cfg.MinSubQuestions),
		"%MAX%", strconv.Itoa(e.cfg.MaxSubQuestions),
	).Replace(decomposePrompt)

	raw, err := e.llm.ChatJSON(ctx, budget, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
		{Role: openai.ChatMessageRoleUser, Content: query},
	}, 0)
	if err != nil {
		e.logger.Warn("decomposition call failed", "error", err)
		return nil
	}

	var parsed struct {
		SubQuestions []string `json:"sub_questions"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		e.logger.Warn("decomposition returned malformed json", "error", err)
		return nil
	}

	// Deduplicate case-insensitively, cap at the maximum, drop the original.
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	var subs []string
	for _, q := range parsed.SubQuestions {
		q = strings.TrimSpace(q)
		k := strings.ToLower(q)
		if q == "" || seen[k] {
			continue
		}
		seen[k] = true
		subs = append(subs, q)
		if len(subs) >= e.cfg.MaxSubQuestions {
			break
		}
	}
	return subs
}

// coverageRetrieve retrieves each sub-question independently, keeps the top
// PerQueryKeep chunks per sub-query regardless of global rank, and backfills
// the rest of TopK from a global pool by distance. For a chunk appearing
// under multiple queries, the lower-distance instance wins and query hints
// are unioned.
func (e *Engine) coverageRetrieve(ctx context.Context, query string, baseline []store.ChunkDistance, subs []string, tag string) ([]Source, error) {
	vecs, err := e.embed.EmbedBatch(ctx, subs)
	if err != nil {
		return nil, err
	}

	type hit struct {
		chunk    store.Chunk
		distance float64
		hints    map[string]bool
		coverage bool
	}
	merged := map[string]*hit{}

	record := func(cd store.ChunkDistance, hintQuery string, coverage bool) {
		h, ok := merged[cd.Chunk.ID]
		if !ok {
			h = &hit{chunk: cd.Chunk, distance: cd.Distance, hints: map[string]bool{}}
			merged[cd.Chunk.ID] = h
		}
		if cd.Distance < h.distance {
			h.distance = cd.Distance
		}
		h.hints[hintQuery] = true
		if coverage {
			h.coverage = true
		}
	}

	// The original query's results participate as pool candidates.
	for _, cd := range baseline {
		record(cd, query, false)
	}

	for i, sub := range subs {
		results, err := e.store.VectorNearestChunks(ctx, vecs[i], e.cfg.TopK, tag)
		if err != nil {
			return nil, err
		}
		for rank, cd := range results {
			record(cd, sub, rank < e.cfg.PerQueryKeep)
		}
	}

	all := make([]*hit, 0, len(merged))
	for _, h := range merged {
		all = append(all, h)
	}
	sort.SliceStable(all, func(i, j int) bool {
		// Coverage entries are guaranteed inclusion ahead of pool entries.
		if all[i].coverage != all[j].coverage {
			return all[i].coverage
		}
		return all[i].distance < all[j].distance
	})
	if len(all) > e.cfg.TopK {
		// Never drop a coverage entry: extend past TopK if coverage alone
		// exceeds it, otherwise cut at TopK.
		cut := e.cfg.TopK
		for cut < len(all) && all[cut].coverage {
			cut++
		}
		all = all[:cut]
	}

	out := make([]Source, 0, len(all))
	for _, h := range all {
		hints := make([]string, 0, len(h.hints))
		for q := range h.hints {
			hints = append(hints, q)
		}
		sort.Strings(hints)
		out = append(out, e.source(h.chunk, h.distance, hints))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// TopK reports the configured result count, for callers that run their own
// chunk scans.
func (e *Engine) TopK() int { return e.cfg.TopK }

// SourcesFromChunks converts raw chunk results into Sources hinted with the
// query that produced them.
func (e *Engine) SourcesFromChunks(chunks []store.ChunkDistance, query string) []Source {
	return e.sources(chunks, query)
}

func (e *Engine) sources(chunks []store.ChunkDistance, query string) []Source {
	out := make([]Source, 0, len(chunks))
	for _, cd := range chunks {
		out = append(out, e.source(cd.Chunk, cd.Distance, []string{query}))
	}
	return out
}

func (e *Engine) source(c store.Chunk, distance float64, hints []string) Source {
	return Source{
		ChunkID:    c.ID,
		ArticleID:  c.ArticleID,
		Title:      c.Title,
		Snippet:    e.snippet(c.Content),
		Category:   c.Category,
		Relevance:  1 - distance,
		Distance:   distance,
		QueryHints: hints,
	}
}

// snippet sanitizes HTML chunk content (scripts and event handlers dropped
// wholesale), converts the remainder to markdown for the prompt, and
// truncates it for prompt budgets.
func (e *Engine) snippet(content string) string {
	if strings.Contains(content, "<") && strings.Contains(content, ">") {
		clean := e.sanitizer.Sanitize(content)
		if md, err := htmltomarkdown.ConvertString(clean); err == nil {
			content = md
		} else {
			content = clean
		}
	}
	content = strings.TrimSpace(content)

	runes := []rune(content)
	if len(runes) > e.cfg.SnippetRunes {
		content = string(runes[:e.cfg.SnippetRunes]) + "…"
	}
	return content
}

func confidence(results []store.ChunkDistance) Metrics {
	m := Metrics{D1: 1, D10: 1}
	if len(results) > 0 {
		m.D1 = results[0].Distance
	}
	if len(results) >= 10 {
		m.D10 = results[9].Distance
	} else if n := len(results); n > 0 {
		m.D10 = results[n-1].Distance
	}
	m.Gap = m.D10 - m.D1
	return m
}

func trim(results []store.ChunkDistance, k int) []store.ChunkDistance {
	if len(results) > k {
		return results[:k]
	}
	return results
}
