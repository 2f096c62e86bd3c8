// Package sqlite implements the picture catalog on SQLite.
//
// SQLite is supported on a best-effort basis for development and testing
// only. Supported: catalog CRUD, scope resolution, substring listing.
// NOT supported: vector similarity search (no pgvector equivalent; the
// similarity engine returns a clear typed error and every caller degrades
// gracefully), regex patterns (substring matching is used instead).
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database named by the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// WAL journal mode and a busy timeout prevent locking issues; with the
	// modernc.org/sqlite driver each pragma is prefixed with `_pragma=`.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection is optimal for SQLite with WAL, and makes the
	// catalog's transactional sections trivially serialized.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the catalog schema. Scopes are stored as a JSON string
// array; the embedding table stores vectors as JSON for round-tripping only,
// since this driver cannot search them.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS picture (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			scopes TEXT NOT NULL DEFAULT '[]',
			url TEXT NOT NULL UNIQUE,
			uploader TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_picture_name ON picture (name)`,
		`CREATE TABLE IF NOT EXISTS picture_embedding (
			picture_id INTEGER PRIMARY KEY REFERENCES picture (id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate picture schema")
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return &store.StorageError{Op: op, Err: err}
}
