// Package sqlite is the reference memory.Store adapter, writing to
// ~/.config/llm-mux/memory/<ecosystem>.db.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/llm-mux/llm-mux/internal/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ecosystem TEXT NOT NULL,
	subject TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS relationships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ecosystem TEXT NOT NULL,
	from_subject TEXT NOT NULL,
	to_subject TEXT NOT NULL,
	relation TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Store is a modernc.org/sqlite-backed memory.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ memory.Store = (*Store)(nil)

// WriteFacts inserts each fact as its own row in one transaction.
func (s *Store) WriteFacts(ctx context.Context, facts []memory.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin facts tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO facts (ecosystem, subject, text) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare facts insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range facts {
		if _, err := stmt.ExecContext(ctx, f.Ecosystem, f.Subject, f.Text); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert fact: %w", err)
		}
	}
	return tx.Commit()
}

// WriteRelationships inserts each relationship as its own row in one
// transaction.
func (s *Store) WriteRelationships(ctx context.Context, rels []memory.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relationships tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO relationships (ecosystem, from_subject, to_subject, relation) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare relationships insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rels {
		if _, err := stmt.ExecContext(ctx, r.Ecosystem, r.From, r.To, r.Relation); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert relationship: %w", err)
		}
	}
	return tx.Commit()
}
