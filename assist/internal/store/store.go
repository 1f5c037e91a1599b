// Package store is the SQLite-backed storage collaborator for the assist
// service: catalog rows, EAV attributes, vector blobs, conversations and
// the persisted semantic cache.
package store

import (
	"database/sql"
	"log/slog"

	"github.com/gemdesk/gemdesk/idgen"
)

// Store wraps a shared *sql.DB.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator sets a custom ID generator (tests).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a Store and applies the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		DB:     db,
		logger: slog.Default(),
		newID:  idgen.Default,
	}
	for _, o := range opts {
		o(s)
	}
	if err := ApplySchema(db); err != nil {
		return nil, err
	}
	return s, nil
}
