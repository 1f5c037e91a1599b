package store

import (
	"context"
	"time"

	"github.com/gemdesk/gemdesk/embedder"
)

// SemanticEntry is one persisted semantic-cache row: a query embedding plus
// the rendered response payload it produced.
type SemanticEntry struct {
	ID        string
	Vector    []float32
	Norm      float64
	Payload   string
	Language  string
	Currency  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertSemanticEntry persists a cache row.
func (s *Store) InsertSemanticEntry(ctx context.Context, e *SemanticEntry) error {
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO semantic_cache (id, embedding, norm, payload, language, currency, created_at, expires_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, embedder.SerializeVector(e.Vector), embedder.Norm(e.Vector),
		e.Payload, e.Language, e.Currency, e.CreatedAt.Unix(), e.ExpiresAt.Unix())
	return err
}

// ListSemanticEntries returns live cache rows matching the language and
// currency. Expired rows never match.
func (s *Store) ListSemanticEntries(ctx context.Context, language, currency string) ([]SemanticEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, embedding, norm, payload, language, currency, created_at, expires_at
		FROM semantic_cache
		WHERE language = ? AND currency = ? AND expires_at > ?`,
		language, currency, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SemanticEntry
	for rows.Next() {
		var e SemanticEntry
		var blob []byte
		var created, expires int64
		if err := rows.Scan(&e.ID, &blob, &e.Norm, &e.Payload, &e.Language, &e.Currency, &created, &expires); err != nil {
			return nil, err
		}
		e.Vector = embedder.DeserializeVector(blob)
		e.CreatedAt = time.Unix(created, 0)
		e.ExpiresAt = time.Unix(expires, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExpiredSemanticEntries deletes expired rows and reports the count.
func (s *Store) PurgeExpiredSemanticEntries(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM semantic_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearSemanticCache drops every row (catalog imports, tests).
func (s *Store) ClearSemanticCache(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM semantic_cache`)
	return err
}
