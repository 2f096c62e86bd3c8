package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/yan-zero/savepic/store"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEmbeddingTx(ctx context.Context, ex execer, embedding *store.PictureEmbedding) error {
	stmt := `
		INSERT INTO picture_embedding (picture_id, model, embedding)
		VALUES (` + placeholders(3) + `)
		ON CONFLICT (picture_id)
		DO UPDATE SET
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding
	`
	_, err := ex.ExecContext(ctx, stmt, embedding.PictureID, embedding.Model, pgvector.NewVector(embedding.Embedding))
	return err
}

// UpsertPictureEmbedding inserts or replaces a picture's embedding.
func (d *DB) UpsertPictureEmbedding(ctx context.Context, embedding *store.PictureEmbedding) error {
	if err := upsertEmbeddingTx(ctx, d.db, embedding); err != nil {
		return storageErr("upsert picture embedding", err)
	}
	return nil
}

// DeletePictureEmbedding removes a picture's embedding.
func (d *DB) DeletePictureEmbedding(ctx context.Context, pictureID int64) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM picture_embedding WHERE picture_id = $1`, pictureID,
	); err != nil {
		return storageErr("delete picture embedding", err)
	}
	return nil
}

// NearestPicture returns the single closest live picture by cosine distance
// within the scope's read filter. The <=> operator computes cosine distance
// (1 - cosine similarity), so ascending order puts the best match first.
// Only embeddings from the requested model are candidates: vectors from
// different model configurations are not comparable.
func (d *DB) NearestPicture(ctx context.Context, find *store.NearestPicture) (*store.PictureMatch, error) {
	query := `
		SELECT p.id, p.name, p.scopes, p.url, p.uploader, p.created_ts, p.updated_ts,
			e.embedding <=> $1 AS distance
		FROM picture p
		INNER JOIN picture_embedding e ON e.picture_id = p.id
		WHERE p.scopes && $2 AND p.name <> '' AND e.model = $3 AND e.embedding IS NOT NULL
		ORDER BY e.embedding <=> $1
		LIMIT 1
	`
	vector := pgvector.NewVector(find.Vector)

	var match store.PictureMatch
	var pic store.Picture
	var scopes []string
	err := d.db.QueryRowContext(ctx, query, vector, pq.Array(find.Scope.ReadFilter()), find.Model).Scan(
		&pic.ID, &pic.Name, pq.Array(&scopes), &pic.URL, &pic.Uploader, &pic.CreatedTs, &pic.UpdatedTs,
		&match.Distance,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("nearest picture", err)
	}
	pic.Scopes = store.ParseScopes(scopes)
	match.Picture = &pic
	return &match, nil
}

// SearchByVector returns live pictures within MaxDistance of the query
// vector, closest first.
func (d *DB) SearchByVector(ctx context.Context, find *store.SearchByVector) ([]*store.Picture, error) {
	query := `
		SELECT p.id, p.name, p.scopes, p.url, p.uploader, p.created_ts, p.updated_ts
		FROM picture p
		INNER JOIN picture_embedding e ON e.picture_id = p.id
		WHERE p.scopes && $2 AND p.name <> '' AND e.model = $3 AND e.embedding IS NOT NULL
			AND e.embedding <=> $1 <= $4
		ORDER BY e.embedding <=> $1
		LIMIT $5
	`
	vector := pgvector.NewVector(find.Vector)

	rows, err := d.db.QueryContext(ctx, query, vector, pq.Array(find.Scope.ReadFilter()), find.Model, find.MaxDistance, find.Limit)
	if err != nil {
		return nil, storageErr("search by vector", err)
	}
	defer rows.Close()

	list := []*store.Picture{}
	for rows.Next() {
		var pic store.Picture
		var scopes []string
		if err := rows.Scan(&pic.ID, &pic.Name, pq.Array(&scopes), &pic.URL, &pic.Uploader, &pic.CreatedTs, &pic.UpdatedTs); err != nil {
			return nil, storageErr("search by vector", err)
		}
		pic.Scopes = store.ParseScopes(scopes)
		list = append(list, &pic)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search by vector", err)
	}
	return list, nil
}

// FindPicturesWithoutEmbedding finds live pictures that have no embedding for
// the given model, newest first, for the backfill job.
func (d *DB) FindPicturesWithoutEmbedding(ctx context.Context, find *store.FindPicturesWithoutEmbedding) ([]*store.Picture, error) {
	limit := find.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT p.id, p.name, p.scopes, p.url, p.uploader, p.created_ts, p.updated_ts
		FROM picture p
		LEFT JOIN picture_embedding e ON e.picture_id = p.id AND e.model = $1
		WHERE e.picture_id IS NULL AND p.name <> ''
		ORDER BY p.created_ts DESC
		LIMIT $2
	`
	rows, err := d.db.QueryContext(ctx, query, find.Model, limit)
	if err != nil {
		return nil, storageErr("find pictures without embedding", err)
	}
	defer rows.Close()

	list := []*store.Picture{}
	for rows.Next() {
		var pic store.Picture
		var scopes []string
		if err := rows.Scan(&pic.ID, &pic.Name, pq.Array(&scopes), &pic.URL, &pic.Uploader, &pic.CreatedTs, &pic.UpdatedTs); err != nil {
			return nil, storageErr("find pictures without embedding", err)
		}
		pic.Scopes = store.ParseScopes(scopes)
		list = append(list, &pic)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find pictures without embedding", err)
	}
	return list, nil
}
