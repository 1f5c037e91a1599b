package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/embedder"
)

// Semantic is the vector-similarity response cache. A hit requires cosine
// distance at or below the threshold AND exact reply-language AND exact
// currency match; language and currency are never inferred from the vector.
// Entries persist in the store so warm answers survive restarts.
type Semantic struct {
	store     *store.Store
	threshold float64
	ttl       time.Duration
	logger    *slog.Logger
}

// NewSemantic builds the semantic cache over the shared store.
func NewSemantic(st *store.Store, threshold float64, ttl time.Duration, logger *slog.Logger) *Semantic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Semantic{store: st, threshold: threshold, ttl: ttl, logger: logger}
}

// Lookup scans live entries for the language/currency pair and returns the
// payload of the nearest entry within the distance threshold. A miss is
// normal control flow, not an error; storage failures degrade to a miss.
func (s *Semantic) Lookup(ctx context.Context, vec []float32, language, currency string) (string, bool) {
	entries, err := s.store.ListSemanticEntries(ctx, language, currency)
	if err != nil {
		s.logger.Warn("semantic cache scan failed, treating as miss", "error", err)
		return "", false
	}
	if len(entries) == 0 {
		return "", false
	}

	queryNorm := embedder.Norm(vec)
	best := -1
	bestDist := s.threshold
	for i, e := range entries {
		dist := 1 - embedder.CosineSimilarityNormed(vec, e.Vector, queryNorm, e.Norm)
		if dist <= bestDist {
			bestDist = dist
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return entries[best].Payload, true
}

// Store persists a response payload under its query embedding.
func (s *Semantic) Store(ctx context.Context, vec []float32, payload, language, currency string) error {
	return s.store.InsertSemanticEntry(ctx, &store.SemanticEntry{
		Vector:    vec,
		Payload:   payload,
		Language:  language,
		Currency:  currency,
		ExpiresAt: time.Now().Add(s.ttl),
	})
}

// PurgeExpired deletes expired rows; intended for a periodic janitor.
func (s *Semantic) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredSemanticEntries(ctx)
}
