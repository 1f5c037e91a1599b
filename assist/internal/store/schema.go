package store

import (
	"database/sql"
	"fmt"
)

// ApplySchema creates all assist tables. Idempotent.
func ApplySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		started_at      INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL,
		state           TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_message_at);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role            TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
		content         TEXT NOT NULL,
		products_json   TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		sku         TEXT NOT NULL UNIQUE COLLATE NOCASE,
		master_code TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
		name        TEXT NOT NULL,
		price_cents INTEGER NOT NULL DEFAULT 0,
		currency    TEXT NOT NULL DEFAULT 'USD',
		in_stock    INTEGER NOT NULL DEFAULT 0,
		image_url   TEXT NOT NULL DEFAULT '',
		product_url TEXT NOT NULL DEFAULT '',
		search_blob TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_products_master ON products(master_code);

	CREATE TABLE IF NOT EXISTS product_embeddings (
		product_id TEXT PRIMARY KEY REFERENCES products(id),
		embedding  BLOB NOT NULL,
		norm       REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attribute_definitions (
		name         TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		data_type    TEXT NOT NULL DEFAULT 'text'
	);

	CREATE TABLE IF NOT EXISTS product_attributes (
		product_id TEXT NOT NULL REFERENCES products(id),
		attr       TEXT NOT NULL,
		value      TEXT NOT NULL,
		PRIMARY KEY (product_id, attr)
	);
	CREATE INDEX IF NOT EXISTS idx_product_attributes_attr ON product_attributes(attr, value);

	CREATE TABLE IF NOT EXISTS product_attr_projection (
		product_id TEXT PRIMARY KEY REFERENCES products(id),
		attr_blob  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id         TEXT PRIMARY KEY,
		article_id TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS knowledge_embeddings (
		chunk_id  TEXT PRIMARY KEY REFERENCES knowledge_chunks(id),
		embedding BLOB NOT NULL,
		norm      REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS semantic_cache (
		id         TEXT PRIMARY KEY,
		embedding  BLOB NOT NULL,
		norm       REAL NOT NULL,
		payload    TEXT NOT NULL,
		language   TEXT NOT NULL,
		currency   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_cache_lang ON semantic_cache(language, currency, expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
