// Package embedder provides text embedding for gemdesk retrieval.
//
// The client speaks the OpenAI /v1/embeddings API format, which covers vLLM,
// Ollama, ONNX Runtime Server and OpenAI itself. Embedding requests are
// idempotent, so transient failures are retried with exponential backoff and
// jitter — unlike chat completions, which are never retried.
package embedder

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text into dense vectors.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns embeddings for texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector dimension (0 until first call when
	// auto-detection is active).
	Dimension() int
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL, e.g. "http://localhost:8003/v1".
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token. Optional for local servers.
	APIKey string `yaml:"api_key"`
	// Model is the embedding model identifier.
	Model string `yaml:"model"`
	// Dimension of returned vectors. 0 = auto-detect on first call.
	Dimension int `yaml:"dimension"`
	// BatchSize caps texts per upstream request.
	BatchSize int `yaml:"batch_size"`
	// Timeout bounds a single upstream call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries caps retry attempts per batch (on top of the first try).
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the first backoff interval; doubles each attempt, with
	// up to 50% random jitter added.
	RetryBase time.Duration `yaml:"retry_base"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
