// Package product implements hybrid catalog search: exact SKU/family
// matching, vector similarity with in-stock-first re-ranking, and
// attribute-only structured lookup with a graceful fallback chain.
package product

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/gemdesk/gemdesk/assist/internal/cache"
	"github.com/gemdesk/gemdesk/assist/internal/store"
)

// Match pairs a product with its distance to the query. Exact matches carry
// distance 0.
type Match struct {
	Product  store.Product
	Distance float64
}

// Result is a ranked page of matches plus provenance.
type Result struct {
	Matches []Match
	// BestDistance is the lowest distance on the page, or 1 when empty.
	BestDistance float64
	// Exact is true when an exact SKU/family match short-circuited search.
	Exact bool
	// Path records which structured lookup strategy served the result.
	Path string
}

// Config tunes the engine.
type Config struct {
	Limit               int
	CandidateMultiplier int
	CandidateCap        int
	CatalogVersion      string
	Logger              *slog.Logger
}

func (c *Config) defaults() {
	if c.Limit <= 0 {
		c.Limit = 8
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = 3
	}
	if c.CandidateCap <= 0 {
		c.CandidateCap = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine runs product searches over the store.
type Engine struct {
	store      *store.Store
	structured *cache.Structured
	cfg        Config
	logger     *slog.Logger
}

// New builds an Engine. The structured cache may be nil to disable caching.
func New(st *store.Store, structured *cache.Structured, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{store: st, structured: structured, cfg: cfg, logger: cfg.Logger}
}

// VectorSearch over-fetches CandidateMultiplier x limit nearest neighbours,
// drops candidates above maxDistance, then re-orders the page in-stock
// first. Distance never penalizes out-of-stock items; they just sort after
// in-stock ones.
func (e *Engine) VectorSearch(ctx context.Context, vec []float32, limit int, maxDistance float64) (Result, error) {
	if limit <= 0 {
		limit = e.cfg.Limit
	}
	nearest, err := e.store.VectorNearestProducts(ctx, vec, limit*e.cfg.CandidateMultiplier)
	if err != nil {
		return Result{BestDistance: 1}, err
	}

	matches := make([]Match, 0, len(nearest))
	for _, n := range nearest {
		if maxDistance > 0 && n.Distance > maxDistance {
			continue
		}
		matches = append(matches, Match{Product: n.Product, Distance: n.Distance})
	}

	// Stable: within each stock group the ascending distance order from the
	// store scan is preserved.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Product.InStock && !matches[j].Product.InStock
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return result(matches, false, ""), nil
}

// SmartSearch tries each candidate token as an exact SKU match, then as a
// master-code/name family match, before doing any vector work. An exact
// match short-circuits with distance 0.0 for every variant and skips vector
// search entirely.
func (e *Engine) SmartSearch(ctx context.Context, vec []float32, tokens []string, limit int, maxDistance float64) (Result, error) {
	if limit <= 0 {
		limit = e.cfg.Limit
	}

	for _, token := range tokens {
		p, err := e.store.FindProductBySKU(ctx, token)
		if err != nil {
			return Result{BestDistance: 1}, err
		}
		if p != nil {
			return result([]Match{{Product: *p}}, true, ""), nil
		}
	}

	for _, token := range tokens {
		family, err := e.store.FindProductFamily(ctx, token)
		if err != nil {
			return Result{BestDistance: 1}, err
		}
		if len(family) > 0 {
			if len(family) > limit {
				family = family[:limit]
			}
			matches := make([]Match, len(family))
			for i, p := range family {
				matches[i] = Match{Product: p}
			}
			return result(matches, true, ""), nil
		}
	}

	return e.VectorSearch(ctx, vec, limit, maxDistance)
}

// StructuredSearch filters by attributes without vector work, walking the
// fallback chain projection -> EAV join -> search-blob contains. The served
// path is recorded on the Result. Results are cached by normalized filter
// set and catalog version; a hit returns the identical id ordering.
func (e *Engine) StructuredSearch(ctx context.Context, skuToken string, filters map[string]string, limit int) (Result, error) {
	if limit <= 0 {
		limit = e.cfg.Limit
	}

	if skuToken != "" {
		p, err := e.store.FindProductBySKU(ctx, skuToken)
		if err != nil {
			return Result{BestDistance: 1}, err
		}
		if p != nil {
			return result([]Match{{Product: *p}}, true, "sku"), nil
		}
	}

	key := e.structuredKey(skuToken, filters)
	if e.structured != nil {
		if entry, ok := e.structured.Get(key); ok {
			return e.hydrate(ctx, entry.ProductIDs, limit, entry.Path)
		}
	}

	ids, path, err := e.filterChain(ctx, filters)
	if err != nil {
		return Result{BestDistance: 1}, err
	}
	if e.structured != nil {
		e.structured.Set(key, cache.StructuredEntry{ProductIDs: ids, Path: path})
	}
	return e.hydrate(ctx, ids, limit, path)
}

func (e *Engine) filterChain(ctx context.Context, filters map[string]string) ([]string, string, error) {
	ids, err := e.store.FilterByAttributesProjection(ctx, filters, e.cfg.CandidateCap)
	if err != nil {
		e.logger.Warn("projection filter failed, falling back to eav", "error", err)
	} else if len(ids) > 0 {
		return ids, string(store.PathProjection), nil
	}

	ids, err = e.store.FilterByAttributesEAV(ctx, filters, e.cfg.CandidateCap)
	if err != nil {
		e.logger.Warn("eav filter failed, falling back to blob", "error", err)
	} else if len(ids) > 0 {
		return ids, string(store.PathEAV), nil
	}

	terms := make([]string, 0, len(filters))
	for _, v := range filters {
		terms = append(terms, v)
	}
	sort.Strings(terms)
	ids, err = e.store.FilterBySearchBlob(ctx, terms, e.cfg.CandidateCap)
	if err != nil {
		return nil, "", err
	}
	return ids, string(store.PathBlob), nil
}

func (e *Engine) hydrate(ctx context.Context, ids []string, limit int, path string) (Result, error) {
	if len(ids) > limit {
		ids = ids[:limit]
	}
	products, err := e.store.ProductsByIDs(ctx, ids)
	if err != nil {
		return Result{BestDistance: 1}, err
	}
	matches := make([]Match, len(products))
	for i, p := range products {
		matches[i] = Match{Product: p}
	}
	res := result(matches, false, path)
	return res, nil
}

func (e *Engine) structuredKey(skuToken string, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(skuToken)))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(k))
		b.WriteByte('=')
		b.WriteString(strings.ToLower(filters[k]))
	}
	b.WriteByte('|')
	b.WriteString(e.cfg.CatalogVersion)
	return b.String()
}

// FilterByType applies a jewelry-type filter client-side over already
// ranked matches; it never re-queries.
func FilterByType(matches []Match, jewelryType string) []Match {
	jewelryType = strings.ToLower(strings.TrimSpace(jewelryType))
	if jewelryType == "" {
		return matches
	}
	singular := strings.TrimSuffix(jewelryType, "s")
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m.Product.Name)
		if strings.Contains(name, singular) {
			out = append(out, m)
		}
	}
	return out
}

func result(matches []Match, exact bool, path string) Result {
	best := 1.0
	for _, m := range matches {
		if m.Distance < best {
			best = m.Distance
		}
	}
	if len(matches) == 0 {
		best = 1
	}
	return Result{Matches: matches, BestDistance: best, Exact: exact, Path: path}
}
