// Package store is the SQLite persistence layer: books, chapters, the
// glossary of named entities, and the translation queue live in one database
// file under the workspace state directory. A single connection with WAL
// journaling is shared by all operations; an RWMutex serializes writers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"inkstone/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if needed) the database at path and applies the
// schema. The connection is configured for single-process CLI use: WAL for
// crash safety, a 5s busy timeout, and one connection so SQLITE_BUSY cannot
// occur between our own goroutines.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Boot("store opened at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// schema is idempotent; every statement is IF NOT EXISTS.
//
// Entity identity is (category, untranslated, scope) where scope is the book
// id or NULL for the shared global glossary. SQLite treats NULLs as distinct
// in unique indexes, so the index folds NULL to 0 (book ids start at 1).
const schema = `
CREATE TABLE IF NOT EXISTS books (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	title            TEXT NOT NULL UNIQUE,
	author           TEXT NOT NULL DEFAULT '',
	source_language  TEXT NOT NULL DEFAULT 'zh',
	target_language  TEXT NOT NULL DEFAULT 'en',
	description      TEXT NOT NULL DEFAULT '',
	prompt_template  TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chapters (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id            INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
	number             INTEGER NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL,
	translation        TEXT,
	summary            TEXT NOT NULL DEFAULT '',
	translation_date   DATETIME,
	translation_model  TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(book_id, number)
);

CREATE INDEX IF NOT EXISTS idx_chapters_book ON chapters(book_id);
CREATE INDEX IF NOT EXISTS idx_chapters_number ON chapters(number);

CREATE TABLE IF NOT EXISTS entities (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id                INTEGER REFERENCES books(id) ON DELETE CASCADE,
	category               TEXT NOT NULL,
	untranslated           TEXT NOT NULL,
	translation            TEXT NOT NULL,
	gender                 TEXT NOT NULL DEFAULT '',
	last_chapter           INTEGER NOT NULL DEFAULT 0,
	incorrect_translation  TEXT NOT NULL DEFAULT '',
	created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_identity
	ON entities(category, untranslated, IFNULL(book_id, 0));

CREATE INDEX IF NOT EXISTS idx_entities_category ON entities(category);
CREATE INDEX IF NOT EXISTS idx_entities_untranslated ON entities(untranslated);
CREATE INDEX IF NOT EXISTS idx_entities_translation ON entities(translation);
CREATE INDEX IF NOT EXISTS idx_entities_book ON entities(book_id);

CREATE TABLE IF NOT EXISTS queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
	chapter      INTEGER NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '',
	position     INTEGER NOT NULL,
	enqueued_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(book_id, chapter)
);

CREATE INDEX IF NOT EXISTS idx_queue_book ON queue(book_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_position ON queue(position);
`

func (s *Store) applySchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// scopeArg converts a book id into the nullable column value; 0 means the
// global scope and is stored as NULL.
func scopeArg(bookID int64) any {
	if bookID == 0 {
		return nil
	}
	return bookID
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
