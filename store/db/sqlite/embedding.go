package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/yan-zero/savepic/store"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEmbeddingTx(ctx context.Context, ex execer, embedding *store.PictureEmbedding) error {
	raw, err := json.Marshal(embedding.Embedding)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO picture_embedding (picture_id, model, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT (picture_id)
		DO UPDATE SET model = excluded.model, embedding = excluded.embedding
	`, embedding.PictureID, embedding.Model, string(raw))
	return err
}

// UpsertPictureEmbedding stores the embedding so it survives a later move to
// the postgres driver, even though this driver cannot search it.
func (d *DB) UpsertPictureEmbedding(ctx context.Context, embedding *store.PictureEmbedding) error {
	if err := upsertEmbeddingTx(ctx, d.db, embedding); err != nil {
		return storageErr("upsert picture embedding", err)
	}
	return nil
}

// DeletePictureEmbedding removes a picture's embedding.
func (d *DB) DeletePictureEmbedding(ctx context.Context, pictureID int64) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM picture_embedding WHERE picture_id = ?`, pictureID,
	); err != nil {
		return storageErr("delete picture embedding", err)
	}
	return nil
}

// NearestPicture is not supported: SQLite has no vector search here.
func (d *DB) NearestPicture(_ context.Context, _ *store.NearestPicture) (*store.PictureMatch, error) {
	return nil, store.ErrVectorSearchUnsupported
}

// SearchByVector is not supported: SQLite has no vector search here.
func (d *DB) SearchByVector(_ context.Context, _ *store.SearchByVector) ([]*store.Picture, error) {
	return nil, store.ErrVectorSearchUnsupported
}

// FindPicturesWithoutEmbedding finds live pictures missing an embedding for
// the given model.
func (d *DB) FindPicturesWithoutEmbedding(ctx context.Context, find *store.FindPicturesWithoutEmbedding) ([]*store.Picture, error) {
	limit := find.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT p.id, p.name, p.scopes, p.url, p.uploader, p.created_ts, p.updated_ts
		FROM picture p
		LEFT JOIN picture_embedding e ON e.picture_id = p.id AND e.model = ?
		WHERE e.picture_id IS NULL AND p.name <> ''
		ORDER BY p.created_ts DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, find.Model, limit)
	if err != nil {
		return nil, storageErr("find pictures without embedding", err)
	}
	defer rows.Close()

	list := []*store.Picture{}
	for rows.Next() {
		pic, err := scanPicture(rows)
		if err != nil {
			return nil, storageErr("find pictures without embedding", err)
		}
		list = append(list, pic)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find pictures without embedding", err)
	}
	return list, nil
}
