// Package ingest loads catalog products and knowledge articles into the
// retrieval store: HTML is sanitized and converted to markdown, article
// bodies are split into overlapping chunks, and every chunk and product
// gets an embedding.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/chunk"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/guard"
	"github.com/gemdesk/gemdesk/idgen"
)

// Config tunes the ingestion pipeline.
type Config struct {
	// ChunkTokens caps tokens per knowledge chunk.
	ChunkTokens int `yaml:"chunk_tokens"`
	// OverlapTokens are repeated between consecutive chunks.
	OverlapTokens int `yaml:"overlap_tokens"`
	// FetchTimeout bounds one article URL fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// MaxBodyBytes caps a fetched article body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// BaseDir is the root for file-based import payloads. Paths in task
	// payloads are resolved under it and may not escape it.
	BaseDir string `yaml:"base_dir"`

	Logger *slog.Logger `yaml:"-"`
	// HTTPClient overrides the fetch client (tests).
	HTTPClient *http.Client `yaml:"-"`
}

func (c *Config) defaults() {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = 300
	}
	if c.OverlapTokens <= 0 {
		c.OverlapTokens = 40
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = guard.MaxFetchBody
	}
	if c.BaseDir == "" {
		c.BaseDir = "data/import"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.FetchTimeout}
	}
}

// Article is one knowledge-base document. Exactly one of Body, HTML or URL
// supplies the content; Body wins over HTML, HTML over URL.
type Article struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Category string   `yaml:"category" json:"category"`
	Tags     []string `yaml:"tags" json:"tags"`
	Body     string   `yaml:"body" json:"body"`
	HTML     string   `yaml:"html" json:"html"`
	URL      string   `yaml:"url" json:"url"`
}

// ProductInput is one catalog row plus its searchable attributes.
type ProductInput struct {
	ID          string            `yaml:"id" json:"id"`
	SKU         string            `yaml:"sku" json:"sku"`
	MasterCode  string            `yaml:"master_code" json:"master_code"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	PriceCents  int64             `yaml:"price_cents" json:"price_cents"`
	Currency    string            `yaml:"currency" json:"currency"`
	InStock     bool              `yaml:"in_stock" json:"in_stock"`
	ImageURL    string            `yaml:"image_url" json:"image_url"`
	ProductURL  string            `yaml:"product_url" json:"product_url"`
	Attributes  map[string]string `yaml:"attributes" json:"attributes"`
}

// Service runs imports against the shared retrieval store.
type Service struct {
	store     *store.Store
	embed     embedder.Embedder
	cfg       Config
	sanitizer *bluemonday.Policy
	client    *http.Client
	newID     idgen.Generator
	logger    *slog.Logger
}

// New creates an ingest service over db. The schema is applied if missing.
func New(db *sql.DB, emb embedder.Embedder, cfg Config) (*Service, error) {
	cfg.defaults()
	st, err := store.New(db, store.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("ingest: store: %w", err)
	}
	return &Service{
		store:     st,
		embed:     emb,
		cfg:       cfg,
		sanitizer: bluemonday.UGCPolicy(),
		client:    cfg.HTTPClient,
		newID:     idgen.Prefixed("art_", idgen.Default),
		logger:    cfg.Logger,
	}, nil
}

// IngestArticle chunks and embeds one article. Returns the chunk count.
// Re-ingesting the same article ID replaces its chunks deterministically.
func (s *Service) IngestArticle(ctx context.Context, a Article) (int, error) {
	content, err := s.resolveContent(ctx, a)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("ingest: article %q has no content", a.Title)
	}
	if a.ID == "" {
		a.ID = s.newID()
	}

	chunks := chunk.Split(content, chunk.Options{
		MaxTokens:     s.cfg.ChunkTokens,
		OverlapTokens: s.cfg.OverlapTokens,
	})
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest: embed article %s: %w", a.ID, err)
	}

	// Replace, not append: a shorter re-ingest must not leave the previous
	// version's higher-index chunks retrievable.
	if err := s.store.DeleteArticleChunks(ctx, a.ID); err != nil {
		return 0, fmt.Errorf("ingest: clear stale chunks %s: %w", a.ID, err)
	}

	tags := strings.Join(a.Tags, ",")
	for i, c := range chunks {
		row := &store.Chunk{
			ID:        a.ID + "#" + strconv.Itoa(c.Index),
			ArticleID: a.ID,
			Title:     a.Title,
			Content:   c.Text,
			Category:  a.Category,
			Tags:      tags,
		}
		if err := s.store.UpsertChunk(ctx, row); err != nil {
			return i, fmt.Errorf("ingest: chunk %s: %w", row.ID, err)
		}
		if err := s.store.UpsertChunkEmbedding(ctx, row.ID, vecs[i]); err != nil {
			return i, fmt.Errorf("ingest: chunk embedding %s: %w", row.ID, err)
		}
	}
	s.logger.Info("article ingested", "article_id", a.ID, "chunks", len(chunks))
	return len(chunks), nil
}

// IngestProducts upserts products with attributes and embeddings. Returns
// the number of products written; on error the count covers completed rows.
func (s *Service) IngestProducts(ctx context.Context, items []ProductInput) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = embeddingText(it)
	}
	vecs, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest: embed products: %w", err)
	}

	for i, it := range items {
		if it.SKU == "" {
			return i, fmt.Errorf("ingest: product %d has no sku", i)
		}
		p := &store.Product{
			ID:         it.ID,
			SKU:        it.SKU,
			MasterCode: it.MasterCode,
			Name:       it.Name,
			PriceCents: it.PriceCents,
			Currency:   it.Currency,
			InStock:    it.InStock,
			ImageURL:   it.ImageURL,
			ProductURL: it.ProductURL,
			Active:     true,
		}
		if p.ID == "" {
			p.ID = "prod_" + strings.ToLower(it.SKU)
		}
		if p.Currency == "" {
			p.Currency = "USD"
		}
		if err := s.store.UpsertProduct(ctx, p); err != nil {
			return i, fmt.Errorf("ingest: product %s: %w", it.SKU, err)
		}
		if len(it.Attributes) > 0 {
			if err := s.store.UpsertAttributes(ctx, p.ID, it.Attributes); err != nil {
				return i, fmt.Errorf("ingest: attributes %s: %w", it.SKU, err)
			}
		}
		if err := s.store.UpsertProductEmbedding(ctx, p.ID, vecs[i]); err != nil {
			return i, fmt.Errorf("ingest: product embedding %s: %w", it.SKU, err)
		}
	}
	s.logger.Info("products ingested", "count", len(items))
	return len(items), nil
}

// resolveContent picks the article content source: inline body, inline HTML
// or a guarded URL fetch.
func (s *Service) resolveContent(ctx context.Context, a Article) (string, error) {
	if strings.TrimSpace(a.Body) != "" {
		return a.Body, nil
	}
	if strings.TrimSpace(a.HTML) != "" {
		return s.htmlToText(a.HTML)
	}
	if a.URL != "" {
		return s.fetchArticle(ctx, a.URL)
	}
	return "", nil
}

func (s *Service) htmlToText(raw string) (string, error) {
	clean := s.sanitizer.Sanitize(raw)
	md, err := htmltomarkdown.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("ingest: html conversion: %w", err)
	}
	return md, nil
}

func (s *Service) fetchArticle(ctx context.Context, rawURL string) (string, error) {
	if err := guard.ValidateURL(rawURL); err != nil {
		return "", err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("ingest: fetch request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ingest: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ingest: fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := guard.LimitedReadAll(resp.Body, s.cfg.MaxBodyBytes)
	if err != nil {
		return "", err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return s.htmlToText(string(body))
	}
	return string(body), nil
}

// embeddingText builds the searchable text for a product: name, description
// and attributes in a stable order.
func embeddingText(it ProductInput) string {
	parts := []string{it.Name}
	if it.Description != "" {
		parts = append(parts, it.Description)
	}
	keys := make([]string, 0, len(it.Attributes))
	for k := range it.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+" "+it.Attributes[k])
	}
	return strings.Join(parts, ". ")
}
