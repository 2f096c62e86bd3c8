package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/yan-zero/savepic/store"
)

const pictureFields = `id, name, scopes, url, uploader, created_ts, updated_ts`

func scanPicture(row interface{ Scan(...any) error }) (*store.Picture, error) {
	var pic store.Picture
	var scopes []string
	if err := row.Scan(&pic.ID, &pic.Name, pq.Array(&scopes), &pic.URL, &pic.Uploader, &pic.CreatedTs, &pic.UpdatedTs); err != nil {
		return nil, err
	}
	pic.Scopes = store.ParseScopes(scopes)
	return &pic, nil
}

// SavePicture runs the race-safe insert-or-merge. All decisions happen inside
// one transaction with the url row (when present) locked FOR UPDATE, so two
// concurrent saves of identical bytes resolve deterministically: one wins the
// row, the other observes the merge outcome. A unique violation means a racer
// inserted the url between our lock attempt and our write; the second attempt
// then finds the committed row and merges into it.
func (d *DB) SavePicture(ctx context.Context, save *store.SavePicture) (*store.SavePictureResult, error) {
	var result *store.SavePictureResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		result, err = d.savePictureOnce(ctx, save)
		if err == nil || !isUniqueViolation(err) {
			return result, err
		}
	}
	return nil, storageErr("save picture", err)
}

func (d *DB) savePictureOnce(ctx context.Context, save *store.SavePicture) (*store.SavePictureResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("save picture", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	scopeStr := save.Scope.String()

	// Names have no backing unique constraint (one name may live in many
	// scopes), so the (name, scope) claim is serialized with a transaction-
	// scoped advisory lock. Without it two concurrent saves of different
	// content under the same name both pass the conflict check below and
	// both commit, leaving two live rows with one name in one scope.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		save.Name+"\x00"+scopeStr,
	); err != nil {
		return nil, storageErr("save picture", err)
	}

	// Lock the row holding byte-identical content, if any.
	var (
		urlRowID    int64
		urlName     string
		urlScopes   []string
		urlUploader string
		createdTs   int64
	)
	urlRowFound := true
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, scopes, uploader, created_ts FROM picture WHERE url = $1 FOR UPDATE`,
		save.URL,
	).Scan(&urlRowID, &urlName, pq.Array(&urlScopes), &urlUploader, &createdTs)
	if err == sql.ErrNoRows {
		urlRowFound = false
	} else if err != nil {
		return nil, storageErr("save picture", err)
	}

	// A live picture already holding the requested (name, scope) pair is a
	// conflict, unless it is the url row itself (an idempotent re-save).
	var conflictID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM picture WHERE name = $1 AND $2 = ANY(scopes) AND name <> '' LIMIT 1`,
		save.Name, scopeStr,
	).Scan(&conflictID)
	if err != nil && err != sql.ErrNoRows {
		return nil, storageErr("save picture", err)
	}
	if err == nil && (!urlRowFound || conflictID != urlRowID) {
		return nil, &store.NameConflictError{Name: save.Name, Scope: save.Scope}
	}

	if urlRowFound && urlName != "" {
		// Identical content is already cataloged: merge the scope instead of
		// creating a duplicate row. Not an error; the caller learns which
		// name the content already lives under.
		merged := store.MergeScope(store.ParseScopes(urlScopes), save.Scope)
		if _, err := tx.ExecContext(ctx,
			`UPDATE picture SET scopes = $1, updated_ts = $2 WHERE id = $3`,
			pq.Array(store.ScopeStrings(merged)), now, urlRowID,
		); err != nil {
			return nil, storageErr("save picture", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, storageErr("save picture", err)
		}
		return &store.SavePictureResult{
			Picture: &store.Picture{
				ID:        urlRowID,
				Name:      urlName,
				Scopes:    merged,
				URL:       save.URL,
				Uploader:  urlUploader,
				CreatedTs: createdTs,
				UpdatedTs: now,
			},
			Outcome:      store.SaveMerged,
			ExistingName: urlName,
		}, nil
	}

	reuseID := int64(0)
	outcome := store.SaveCreated
	if urlRowFound {
		// The content's former row was soft-deleted; take over its identity.
		reuseID = urlRowID
		outcome = store.SaveReusedSlot
	} else {
		// Reuse any free slot to bound row growth. SKIP LOCKED keeps
		// concurrent saves from serializing on the same slot.
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM picture WHERE name = '' LIMIT 1 FOR UPDATE SKIP LOCKED`,
		).Scan(&reuseID)
		if err == sql.ErrNoRows {
			reuseID = 0
		} else if err != nil {
			return nil, storageErr("save picture", err)
		} else {
			outcome = store.SaveReusedSlot
		}
	}

	pic := &store.Picture{
		Name:      save.Name,
		Scopes:    []store.Scope{save.Scope},
		URL:       save.URL,
		Uploader:  save.Uploader,
		CreatedTs: now,
		UpdatedTs: now,
	}

	if reuseID != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE picture SET name = $1, scopes = $2, url = $3, uploader = $4, created_ts = $5, updated_ts = $5 WHERE id = $6`,
			save.Name, pq.Array([]string{scopeStr}), save.URL, save.Uploader, now, reuseID,
		); err != nil {
			if isUniqueViolation(err) {
				return nil, err
			}
			return nil, storageErr("save picture", err)
		}
		pic.ID = reuseID
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO picture (name, scopes, url, uploader, created_ts, updated_ts)
			 VALUES (`+placeholders(6)+`)
			 ON CONFLICT (url) DO NOTHING
			 RETURNING id`,
			save.Name, pq.Array([]string{scopeStr}), save.URL, save.Uploader, now, now,
		).Scan(&pic.ID)
		if err == sql.ErrNoRows {
			// A concurrent save of the same bytes committed first. Surface it
			// as a unique violation so the caller's retry merges into the
			// winner's row.
			return nil, &pq.Error{Code: "23505"}
		}
		if err != nil {
			return nil, storageErr("save picture", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, storageErr("save picture", err)
	}
	return &store.SavePictureResult{Picture: pic, Outcome: outcome}, nil
}

// SelectPicture resolves a name, preferring the requested scope over global.
func (d *DB) SelectPicture(ctx context.Context, name string, scope store.Scope) (*store.Picture, error) {
	query := `
		SELECT ` + pictureFields + `
		FROM picture
		WHERE name = $1 AND scopes && $2 AND name <> ''
		ORDER BY CASE WHEN $3 = ANY(scopes) THEN 0 ELSE 1 END
		LIMIT 1
	`
	pic, err := scanPicture(d.db.QueryRowContext(ctx, query, name, pq.Array(scope.ReadFilter()), scope.String()))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("select picture", err)
	}
	return pic, nil
}

// RenamePicture changes a picture's name and/or scope. Cross-scope identity
// is protected: a picture living in more than one scope only moves for a
// privileged caller.
func (d *DB) RenamePicture(ctx context.Context, rename *store.RenamePicture) (*store.Picture, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("rename picture", err)
	}
	defer tx.Rollback()

	pic, err := scanPicture(tx.QueryRowContext(ctx,
		`SELECT `+pictureFields+` FROM picture WHERE name = $1 AND $2 = ANY(scopes) AND name <> '' FOR UPDATE`,
		rename.OldName, rename.SrcScope.String(),
	))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("rename picture", err)
	}

	if len(pic.Scopes) > 1 && !rename.Privileged {
		return nil, &store.PermissionDeniedError{
			Op:     "rename",
			Reason: "picture exists in multiple scopes",
		}
	}

	var conflictID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM picture WHERE name = $1 AND $2 = ANY(scopes) AND name <> '' AND id <> $3 LIMIT 1`,
		rename.NewName, rename.DstScope.String(), pic.ID,
	).Scan(&conflictID)
	if err != nil && err != sql.ErrNoRows {
		return nil, storageErr("rename picture", err)
	}
	if err == nil {
		return nil, &store.NameConflictError{Name: rename.NewName, Scope: rename.DstScope}
	}

	now := time.Now().Unix()
	newScopes := store.RenameScopes(pic.Scopes, rename.SrcScope, rename.DstScope)
	if _, err := tx.ExecContext(ctx,
		`UPDATE picture SET name = $1, scopes = $2, updated_ts = $3 WHERE id = $4`,
		rename.NewName, pq.Array(store.ScopeStrings(newScopes)), now, pic.ID,
	); err != nil {
		return nil, storageErr("rename picture", err)
	}

	// The name is part of what title-aware embeddings encode, so the old
	// vector is stale: replace it when the caller recomputed one, drop it
	// for the backfill job otherwise.
	if len(rename.Vector) > 0 {
		if err := upsertEmbeddingTx(ctx, tx, &store.PictureEmbedding{
			PictureID: pic.ID,
			Model:     rename.Model,
			Embedding: rename.Vector,
		}); err != nil {
			return nil, storageErr("rename picture", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM picture_embedding WHERE picture_id = $1`, pic.ID,
		); err != nil {
			return nil, storageErr("rename picture", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("rename picture", err)
	}

	pic.Name = rename.NewName
	pic.Scopes = newScopes
	pic.UpdatedTs = now
	return pic, nil
}

// DeletePicture removes a picture from one scope. The last scope soft-deletes
// the row: the name is cleared (freeing it for reuse), the scope set emptied,
// and the embedding dropped so similarity search no longer returns it. The
// row itself is retained as a reusable slot.
func (d *DB) DeletePicture(ctx context.Context, del *store.DeletePicture) (*store.DeletePictureResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("delete picture", err)
	}
	defer tx.Rollback()

	pic, err := scanPicture(tx.QueryRowContext(ctx,
		`SELECT `+pictureFields+` FROM picture WHERE name = $1 AND $2 = ANY(scopes) AND name <> '' FOR UPDATE`,
		del.Name, del.Scope.String(),
	))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("delete picture", err)
	}

	now := time.Now().Unix()
	if len(pic.Scopes) > 1 {
		remaining := store.RemoveScope(pic.Scopes, del.Scope)
		if _, err := tx.ExecContext(ctx,
			`UPDATE picture SET scopes = $1, updated_ts = $2 WHERE id = $3`,
			pq.Array(store.ScopeStrings(remaining)), now, pic.ID,
		); err != nil {
			return nil, storageErr("delete picture", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, storageErr("delete picture", err)
		}
		return &store.DeletePictureResult{Partial: true}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE picture SET name = '', scopes = '{}', uploader = '', updated_ts = $1 WHERE id = $2`,
		now, pic.ID,
	); err != nil {
		return nil, storageErr("delete picture", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM picture_embedding WHERE picture_id = $1`, pic.ID,
	); err != nil {
		return nil, storageErr("delete picture", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("delete picture", err)
	}
	return &store.DeletePictureResult{ReleasedURL: pic.URL}, nil
}

// RandomPicture picks a random live picture matching the request within the
// scope's read filter.
func (d *DB) RandomPicture(ctx context.Context, find *store.RandomPicture) (*store.Picture, error) {
	where := []string{"scopes && $1", "name <> ''"}
	args := []any{pq.Array(find.Scope.ReadFilter())}

	switch {
	case find.Pattern != "":
		where = append(where, "name ~* "+placeholder(len(args)+1))
		args = append(args, find.Pattern)
	case find.Keyword != "":
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(find.Keyword)
		where = append(where, "name ILIKE "+placeholder(len(args)+1))
		args = append(args, "%"+escaped+"%")
	}

	query := `
		SELECT ` + pictureFields + `
		FROM picture
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY random()
		LIMIT 1
	`
	pic, err := scanPicture(d.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("random picture", err)
	}
	return pic, nil
}

// CountPictures counts live pictures whose name matches the case-insensitive
// pattern within the scope's read filter.
func (d *DB) CountPictures(ctx context.Context, pattern string, scope store.Scope) (int64, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = ".*"
	}
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM picture WHERE scopes && $1 AND name <> '' AND name ~* $2`,
		pq.Array(scope.ReadFilter()), pattern,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count pictures", err)
	}
	return count, nil
}

// ListPictures returns one page of live picture names in stable name order.
func (d *DB) ListPictures(ctx context.Context, find *store.ListPictures) ([]*store.PictureListEntry, error) {
	pattern := strings.TrimSpace(find.Pattern)
	if pattern == "" {
		pattern = ".*"
	}

	query := `
		SELECT name, 'globe' = ANY(scopes)
		FROM picture
		WHERE scopes && $1 AND name <> '' AND name ~* $2
		ORDER BY name
		OFFSET $3 LIMIT $4
	`
	rows, err := d.db.QueryContext(ctx, query, pq.Array(find.Scope.ReadFilter()), pattern, find.Offset, find.Limit)
	if err != nil {
		return nil, storageErr("list pictures", err)
	}
	defer rows.Close()

	list := []*store.PictureListEntry{}
	for rows.Next() {
		var entry store.PictureListEntry
		if err := rows.Scan(&entry.Name, &entry.Global); err != nil {
			return nil, storageErr("list pictures", err)
		}
		list = append(list, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pictures", err)
	}
	return list, nil
}

// GetUploader returns the uploader of the live picture with this name in
// exactly this scope. No global fallback: uploader checks authorize
// mutations, which never widen scope.
func (d *DB) GetUploader(ctx context.Context, name string, scope store.Scope) (string, error) {
	var uploader string
	err := d.db.QueryRowContext(ctx,
		`SELECT uploader FROM picture WHERE name = $1 AND $2 = ANY(scopes) AND name <> '' LIMIT 1`,
		name, scope.String(),
	).Scan(&uploader)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", storageErr("get uploader", err)
	}
	return uploader, nil
}
