package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/gemdesk/gemdesk/embedder"
)

// Product is a canonical catalog row.
type Product struct {
	ID         string  `json:"id"`
	SKU        string  `json:"sku"`
	MasterCode string  `json:"master_code,omitempty"`
	Name       string  `json:"name"`
	PriceCents int64   `json:"price_cents"`
	Currency   string  `json:"currency"`
	InStock    bool    `json:"in_stock"`
	ImageURL   string  `json:"image_url,omitempty"`
	ProductURL string  `json:"product_url,omitempty"`
	Active     bool    `json:"active"`
}

// ProductDistance pairs a product with its cosine distance to a query.
type ProductDistance struct {
	Product  Product
	Distance float64
}

const productCols = `id, sku, master_code, name, price_cents, currency, in_stock, image_url, product_url, active`

func scanProduct(scanner interface{ Scan(...any) error }) (Product, error) {
	var p Product
	var inStock, active int
	err := scanner.Scan(&p.ID, &p.SKU, &p.MasterCode, &p.Name, &p.PriceCents,
		&p.Currency, &inStock, &p.ImageURL, &p.ProductURL, &active)
	if err != nil {
		return Product{}, err
	}
	p.InStock = inStock != 0
	p.Active = active != 0
	return p, nil
}

// FindProductBySKU returns the active product with this exact SKU
// (case-insensitive), or nil when absent.
func (s *Store) FindProductBySKU(ctx context.Context, sku string) (*Product, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+productCols+` FROM products
		WHERE sku = ? COLLATE NOCASE AND active = 1`, strings.TrimSpace(sku))
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindProductFamily returns all active variants sharing a master code or an
// exact name match for the token, grouped so family variants stay adjacent.
func (s *Store) FindProductFamily(ctx context.Context, token string) ([]Product, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+productCols+` FROM products
		WHERE active = 1 AND (master_code = ? COLLATE NOCASE OR name = ? COLLATE NOCASE)
		ORDER BY master_code, sku`, token, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProductsByIDs returns active products for the given IDs, in the given
// order. Missing IDs are silently skipped.
func (s *Store) ProductsByIDs(ctx context.Context, ids []string) ([]Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+productCols+` FROM products
		WHERE active = 1 AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// VectorNearestProducts scans product embeddings and returns the k nearest
// active products by cosine distance, ascending. The full scan is acceptable
// at wholesale-catalog scale; norms are precomputed at write time.
func (s *Store) VectorNearestProducts(ctx context.Context, query []float32, k int) ([]ProductDistance, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	queryNorm := embedder.Norm(query)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+prefixCols("p")+`, e.embedding, e.norm
		FROM product_embeddings e
		JOIN products p ON p.id = e.product_id
		WHERE p.active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []ProductDistance
	for rows.Next() {
		var p Product
		var inStock, active int
		var blob []byte
		var norm float64
		if err := rows.Scan(&p.ID, &p.SKU, &p.MasterCode, &p.Name, &p.PriceCents,
			&p.Currency, &inStock, &p.ImageURL, &p.ProductURL, &active,
			&blob, &norm); err != nil {
			return nil, err
		}
		p.InStock = inStock != 0
		p.Active = active != 0

		vec := embedder.DeserializeVector(blob)
		sim := embedder.CosineSimilarityNormed(query, vec, queryNorm, norm)
		candidates = append(candidates, ProductDistance{Product: p, Distance: 1 - sim})
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

// UpsertProduct inserts or replaces a catalog row (import/test helper).
func (s *Store) UpsertProduct(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = s.newID()
	}
	inStock, active := 0, 0
	if p.InStock {
		inStock = 1
	}
	if p.Active {
		active = 1
	}
	searchBlob := strings.ToLower(p.SKU + " " + p.MasterCode + " " + p.Name)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO products (id, sku, master_code, name, price_cents, currency, in_stock, image_url, product_url, search_blob, active)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(sku) DO UPDATE SET
			master_code = excluded.master_code,
			name        = excluded.name,
			price_cents = excluded.price_cents,
			currency    = excluded.currency,
			in_stock    = excluded.in_stock,
			image_url   = excluded.image_url,
			product_url = excluded.product_url,
			search_blob = excluded.search_blob,
			active      = excluded.active`,
		p.ID, p.SKU, p.MasterCode, p.Name, p.PriceCents, p.Currency,
		inStock, p.ImageURL, p.ProductURL, searchBlob, active)
	return err
}

// UpsertProductEmbedding stores the vector and its precomputed norm.
func (s *Store) UpsertProductEmbedding(ctx context.Context, productID string, vec []float32) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO product_embeddings (product_id, embedding, norm)
		VALUES (?,?,?)
		ON CONFLICT(product_id) DO UPDATE SET embedding = excluded.embedding, norm = excluded.norm`,
		productID, embedder.SerializeVector(vec), embedder.Norm(vec))
	return err
}

func prefixCols(alias string) string {
	cols := strings.Split(productCols, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
