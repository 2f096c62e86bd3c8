// Package postgres implements the picture catalog on PostgreSQL with the
// pgvector extension. This is the production driver: it is the only place
// where the design relies on the backing store for mutual exclusion, via
// transactions with row-level locking and conditional inserts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection pool to the PostgreSQL instance named by the
// profile's DSN. The pool is deliberately small: this is a low-QPS chat-bot
// workload, not a high-throughput service.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	driver := DB{db: db, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the catalog schema. The picture table is keyed by url
// (globally unique among all rows, live or soft-deleted); the embedding
// table is keyed by row identity so vector computation stays decoupled from
// row creation.
func (d *DB) Migrate(ctx context.Context) error {
	dim := d.profile.EmbeddingDimensions
	if dim <= 0 {
		dim = 1024
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS picture (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scopes TEXT[] NOT NULL DEFAULT '{}',
			url TEXT NOT NULL UNIQUE,
			uploader TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_picture_name ON picture (name) WHERE name <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_picture_scopes ON picture USING GIN (scopes)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS picture_embedding (
			picture_id BIGINT PRIMARY KEY REFERENCES picture (id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			embedding vector(%d)
		)`, dim),
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate picture schema")
		}
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}

// isUniqueViolation reports whether err is a unique-constraint violation,
// the signal that a concurrent save won the race for a url.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func storageErr(op string, err error) error {
	return &store.StorageError{Op: op, Err: err}
}
