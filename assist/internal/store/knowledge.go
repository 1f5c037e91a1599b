package store

import (
	"context"
	"sort"
	"strings"

	"github.com/gemdesk/gemdesk/embedder"
)

// Chunk is one retrievable knowledge fragment.
type Chunk struct {
	ID        string `json:"id"`
	ArticleID string `json:"article_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Category  string `json:"category,omitempty"`
	Tags      string `json:"tags,omitempty"`
}

// ChunkDistance pairs a chunk with its cosine distance to a query.
type ChunkDistance struct {
	Chunk    Chunk
	Distance float64
}

// UpsertChunk inserts or replaces a knowledge chunk.
func (s *Store) UpsertChunk(ctx context.Context, c *Chunk) error {
	if c.ID == "" {
		c.ID = s.newID()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO knowledge_chunks (id, article_id, title, content, category, tags)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			article_id = excluded.article_id,
			title      = excluded.title,
			content    = excluded.content,
			category   = excluded.category,
			tags       = excluded.tags`,
		c.ID, c.ArticleID, c.Title, c.Content, c.Category, c.Tags)
	return err
}

// UpsertChunkEmbedding stores the chunk vector and its precomputed norm.
func (s *Store) UpsertChunkEmbedding(ctx context.Context, chunkID string, vec []float32) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO knowledge_embeddings (chunk_id, embedding, norm)
		VALUES (?,?,?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding, norm = excluded.norm`,
		chunkID, embedder.SerializeVector(vec), embedder.Norm(vec))
	return err
}

// DeleteArticleChunks removes every chunk and embedding belonging to an
// article in one transaction, so retrieval never sees a half-replaced
// article during re-ingestion.
func (s *Store) DeleteArticleChunks(ctx context.Context, articleID string) error {
	if articleID == "" {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM knowledge_embeddings
		WHERE chunk_id IN (SELECT id FROM knowledge_chunks WHERE article_id = ?)`, articleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE article_id = ?`, articleID); err != nil {
		return err
	}
	return tx.Commit()
}

// VectorNearestChunks scans knowledge embeddings and returns the k nearest
// chunks by cosine distance, ascending. When tag is non-empty, only chunks
// carrying that tag participate.
func (s *Store) VectorNearestChunks(ctx context.Context, query []float32, k int, tag string) ([]ChunkDistance, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	queryNorm := embedder.Norm(query)

	q := `
		SELECT c.id, c.article_id, c.title, c.content, c.category, c.tags, e.embedding, e.norm
		FROM knowledge_embeddings e
		JOIN knowledge_chunks c ON c.id = e.chunk_id`
	var args []any
	if tag != "" {
		q += ` WHERE ',' || c.tags || ',' LIKE ?`
		args = append(args, "%,"+strings.ToLower(strings.TrimSpace(tag))+",%")
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []ChunkDistance
	for rows.Next() {
		var c Chunk
		var blob []byte
		var norm float64
		if err := rows.Scan(&c.ID, &c.ArticleID, &c.Title, &c.Content, &c.Category, &c.Tags, &blob, &norm); err != nil {
			return nil, err
		}
		vec := embedder.DeserializeVector(blob)
		sim := embedder.CosineSimilarityNormed(query, vec, queryNorm, norm)
		candidates = append(candidates, ChunkDistance{Chunk: c, Distance: 1 - sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}
