package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// AttributeDefinition describes one EAV attribute.
type AttributeDefinition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	DataType    string `json:"data_type"`
}

// UpsertAttributeDefinition registers or updates an attribute definition.
func (s *Store) UpsertAttributeDefinition(ctx context.Context, def AttributeDefinition) error {
	if def.DataType == "" {
		def.DataType = "text"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attribute_definitions (name, display_name, data_type)
		VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET display_name = excluded.display_name, data_type = excluded.data_type`,
		def.Name, def.DisplayName, def.DataType)
	return err
}

// ListAttributeDefinitions returns all definitions ordered by name.
func (s *Store) ListAttributeDefinitions(ctx context.Context) ([]AttributeDefinition, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name, display_name, data_type FROM attribute_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []AttributeDefinition
	for rows.Next() {
		var d AttributeDefinition
		if err := rows.Scan(&d.Name, &d.DisplayName, &d.DataType); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// UpsertAttributes bulk-writes (attr, value) rows for one product in a single
// transaction, and refreshes the denormalized projection row. One statement
// per attribute inside one tx — no per-attribute round trips from callers.
func (s *Store) UpsertAttributes(ctx context.Context, productID string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO product_attributes (product_id, attr, value)
		VALUES (?,?,?)
		ON CONFLICT(product_id, attr) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for attr, value := range attrs {
		if _, err := stmt.ExecContext(ctx, productID, attr, value); err != nil {
			return fmt.Errorf("store: upsert attribute %s: %w", attr, err)
		}
	}

	// Rebuild the projection blob from the full attribute set.
	rows, err := tx.QueryContext(ctx, `
		SELECT attr, value FROM product_attributes WHERE product_id = ?`, productID)
	if err != nil {
		return err
	}
	all := map[string]string{}
	for rows.Next() {
		var a, v string
		if err := rows.Scan(&a, &v); err != nil {
			rows.Close()
			return err
		}
		all[a] = v
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO product_attr_projection (product_id, attr_blob)
		VALUES (?,?)
		ON CONFLICT(product_id) DO UPDATE SET attr_blob = excluded.attr_blob`,
		productID, projectionBlob(all)); err != nil {
		return err
	}

	return tx.Commit()
}

// AttributeLookup fetches attribute maps for many products in one query.
func (s *Store) AttributeLookup(ctx context.Context, productIDs []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(productIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(productIDs))
	for i, id := range productIDs {
		args[i] = id
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT product_id, attr, value FROM product_attributes
		WHERE product_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, attr, value string
		if err := rows.Scan(&id, &attr, &value); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = map[string]string{}
		}
		out[id][attr] = value
	}
	return out, rows.Err()
}

// StructuredPath records which lookup strategy served a structured search.
type StructuredPath string

const (
	PathProjection StructuredPath = "projection"
	PathEAV        StructuredPath = "eav"
	PathBlob       StructuredPath = "blob"
)

// FilterByAttributesProjection matches the denormalized projection blob.
// Fastest path; requires the projection rows to be populated.
func (s *Store) FilterByAttributesProjection(ctx context.Context, filters map[string]string, limit int) ([]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	where = append(where, "1=1")
	for _, attr := range sortedKeys(filters) {
		where = append(where, "pr.attr_blob LIKE ?")
		args = append(args, "%|"+strings.ToLower(attr)+"="+strings.ToLower(filters[attr])+"|%")
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id FROM product_attr_projection pr
		JOIN products p ON p.id = pr.product_id
		WHERE p.active = 1 AND `+strings.Join(where, " AND ")+`
		ORDER BY p.sku LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// FilterByAttributesEAV matches via the normalized side-table: one EXISTS
// subquery per filter.
func (s *Store) FilterByAttributesEAV(ctx context.Context, filters map[string]string, limit int) ([]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	where = append(where, "p.active = 1")
	for _, attr := range sortedKeys(filters) {
		where = append(where, `EXISTS (
			SELECT 1 FROM product_attributes pa
			WHERE pa.product_id = p.id AND pa.attr = ? AND pa.value = ? COLLATE NOCASE)`)
		args = append(args, attr, filters[attr])
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id FROM products p
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY p.sku LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// FilterBySearchBlob is the last-resort contains-match over the precomputed
// search blob.
func (s *Store) FilterBySearchBlob(ctx context.Context, terms []string, limit int) ([]string, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	where = append(where, "active = 1")
	for _, term := range terms {
		where = append(where, "search_blob LIKE ?")
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM products
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY sku LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// projectionBlob flattens attributes into "|k=v|k=v|" for LIKE matching.
func projectionBlob(attrs map[string]string) string {
	var b strings.Builder
	b.WriteByte('|')
	for _, k := range sortedKeys(attrs) {
		b.WriteString(strings.ToLower(k))
		b.WriteByte('=')
		b.WriteString(strings.ToLower(attrs[k]))
		b.WriteByte('|')
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
