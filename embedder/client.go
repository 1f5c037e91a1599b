package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// client implements Embedder over the go-openai SDK.
type client struct {
	api   *openai.Client
	cfg   Config
	log   *slog.Logger
	mu    sync.Mutex // protects dim on first call
	dim   int
}

// New creates an embedding client.
func New(cfg Config) Embedder {
	cfg.defaults()
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		apiCfg.BaseURL = cfg.Endpoint
	}
	return &client{
		api: openai.NewClientWithConfig(apiCfg),
		cfg: cfg,
		log: cfg.Logger,
		dim: cfg.Dimension,
	}
}

func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.callWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", start, end, err)
		}
		copy(result[start:end], vecs)
	}
	return result, nil
}

// callWithRetry retries the idempotent embeddings call with exponential
// backoff plus jitter. Context cancellation aborts immediately.
func (c *client) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := c.cfg.RetryBase

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		}

		vecs, err := c.callAPI(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		c.log.Warn("embedding call failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("embedder: %d attempts exhausted: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *client) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.cfg.Model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	// Auto-detect dimension on first call.
	if len(resp.Data[0].Embedding) > 0 {
		c.mu.Lock()
		if c.dim == 0 {
			c.dim = len(resp.Data[0].Embedding)
			c.log.Info("auto-detected embedding dimension", "dimension", c.dim, "model", c.cfg.Model)
		}
		c.mu.Unlock()
	}

	// Reassemble in input order (the API returns results sorted by index).
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input index %d", i)
		}
	}
	return vecs, nil
}

func (c *client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}
