package assist

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Open applies the assist schema to db and wires the service over it. This
// is the entry point for binaries; tests inside the package use New with a
// prebuilt store.
func Open(db *sql.DB, emb embedder.Embedder, llm llmbridge.Client, rates map[string]float64, cfg Config) (*Service, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("assist: open store: %w", err)
	}
	return New(st, emb, llm, rates, cfg), nil
}

// PurgeCaches drops the in-memory response caches and deletes expired
// semantic-cache rows. Call after catalog imports; the semantic purge count
// is returned for the admin endpoint.
func (s *Service) PurgeCaches(ctx context.Context) (int64, error) {
	s.hot.Purge()
	s.structured.Purge()
	return s.semantic.PurgeExpired(ctx)
}
