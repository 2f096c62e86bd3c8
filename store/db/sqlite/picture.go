package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/yan-zero/savepic/store"
)

const pictureFields = `id, name, scopes, url, uploader, created_ts, updated_ts`

func encodeScopes(scopes []store.Scope) string {
	raw, _ := json.Marshal(store.ScopeStrings(scopes))
	return string(raw)
}

func decodeScopes(raw string) []store.Scope {
	var ss []string
	_ = json.Unmarshal([]byte(raw), &ss)
	return store.ParseScopes(ss)
}

// scopeContains is the SQL condition matching rows whose JSON scope array
// contains the given scope. Scope identifiers never contain quotes, so a
// substring match on the quoted form is sound.
func scopeContains(scope store.Scope) (string, string) {
	return `scopes LIKE ?`, `%"` + scope.String() + `"%`
}

func scopeFilter(scope store.Scope) (string, []any) {
	conds := []string{}
	args := []any{}
	for _, s := range scope.ReadFilter() {
		conds = append(conds, `scopes LIKE ?`)
		args = append(args, `%"`+s+`"%`)
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

func scanPicture(row interface{ Scan(...any) error }) (*store.Picture, error) {
	var pic store.Picture
	var scopes string
	if err := row.Scan(&pic.ID, &pic.Name, &scopes, &pic.URL, &pic.Uploader, &pic.CreatedTs, &pic.UpdatedTs); err != nil {
		return nil, err
	}
	pic.Scopes = decodeScopes(scopes)
	return &pic, nil
}

// SavePicture runs the insert-or-merge. The single-connection pool serializes
// writers, so the transaction here only has to be atomic, not lock-ordered.
func (d *DB) SavePicture(ctx context.Context, save *store.SavePicture) (*store.SavePictureResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("save picture", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	var (
		urlRowID  int64
		urlName   string
		urlScopes string
		createdTs int64
	)
	urlRowFound := true
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, scopes, created_ts FROM picture WHERE url = ?`, save.URL,
	).Scan(&urlRowID, &urlName, &urlScopes, &createdTs)
	if err == sql.ErrNoRows {
		urlRowFound = false
	} else if err != nil {
		return nil, storageErr("save picture", err)
	}

	cond, arg := scopeContains(save.Scope)
	var conflictID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM picture WHERE name = ? AND `+cond+` AND name <> '' LIMIT 1`,
		save.Name, arg,
	).Scan(&conflictID)
	if err != nil && err != sql.ErrNoRows {
		return nil, storageErr("save picture", err)
	}
	if err == nil && (!urlRowFound || conflictID != urlRowID) {
		return nil, &store.NameConflictError{Name: save.Name, Scope: save.Scope}
	}

	if urlRowFound && urlName != "" {
		merged := store.MergeScope(decodeScopes(urlScopes), save.Scope)
		if _, err := tx.ExecContext(ctx,
			`UPDATE picture SET scopes = ?, updated_ts = ? WHERE id = ?`,
			encodeScopes(merged), now, urlRowID,
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
				CreatedTs: createdTs,
				UpdatedTs: now,
			},
			Outcome:      store.SaveMerged,
			ExistingName: urlName,
		}, nil
	}

	reuseID := urlRowID
	outcome := store.SaveReusedSlot
	if !urlRowFound {
		err = tx.QueryRowContext(ctx, `SELECT id FROM picture WHERE name = '' LIMIT 1`).Scan(&reuseID)
		if err == sql.ErrNoRows {
			reuseID = 0
			outcome = store.SaveCreated
		} else if err != nil {
			return nil, storageErr("save picture", err)
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
			`UPDATE picture SET name = ?, scopes = ?, url = ?, uploader = ?, created_ts = ?, updated_ts = ? WHERE id = ?`,
			save.Name, encodeScopes(pic.Scopes), save.URL, save.Uploader, now, now, reuseID,
		); err != nil {
			return nil, storageErr("save picture", err)
		}
		pic.ID = reuseID
	} else {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO picture (name, scopes, url, uploader, created_ts, updated_ts) VALUES (?, ?, ?, ?, ?, ?)`,
			save.Name, encodeScopes(pic.Scopes), save.URL, save.Uploader, now, now,
		)
		if err != nil {
			return nil, storageErr("save picture", err)
		}
		pic.ID, err = result.LastInsertId()
		if err != nil {
			return nil, storageErr("save picture", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("save picture", err)
	}
	return &store.SavePictureResult{Picture: pic, Outcome: outcome}, nil
}

// SelectPicture resolves a name, preferring the requested scope over global.
func (d *DB) SelectPicture(ctx context.Context, name string, scope store.Scope) (*store.Picture, error) {
	cond, args := scopeFilter(scope)
	localCond, localArg := scopeContains(scope)

	query := `
		SELECT ` + pictureFields + `
		FROM picture
		WHERE name = ? AND ` + cond + ` AND name <> ''
		ORDER BY CASE WHEN ` + localCond + ` THEN 0 ELSE 1 END
		LIMIT 1
	`
	queryArgs := append([]any{name}, args...)
	queryArgs = append(queryArgs, localArg)

	pic, err := scanPicture(d.db.QueryRowContext(ctx, query, queryArgs...))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("select picture", err)
	}
	return pic, nil
}

// RenamePicture changes a picture's name and/or scope.
func (d *DB) RenamePicture(ctx context.Context, rename *store.RenamePicture) (*store.Picture, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("rename picture", err)
	}
	defer tx.Rollback()

	srcCond, srcArg := scopeContains(rename.SrcScope)
	pic, err := scanPicture(tx.QueryRowContext(ctx,
		`SELECT `+pictureFields+` FROM picture WHERE name = ? AND `+srcCond+` AND name <> ''`,
		rename.OldName, srcArg,
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

	dstCond, dstArg := scopeContains(rename.DstScope)
	var conflictID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM picture WHERE name = ? AND `+dstCond+` AND name <> '' AND id <> ? LIMIT 1`,
		rename.NewName, dstArg, pic.ID,
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
		`UPDATE picture SET name = ?, scopes = ?, updated_ts = ? WHERE id = ?`,
		rename.NewName, encodeScopes(newScopes), now, pic.ID,
	); err != nil {
		return nil, storageErr("rename picture", err)
	}

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
			`DELETE FROM picture_embedding WHERE picture_id = ?`, pic.ID,
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

// DeletePicture removes a picture from one scope, soft-deleting on the last.
func (d *DB) DeletePicture(ctx context.Context, del *store.DeletePicture) (*store.DeletePictureResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("delete picture", err)
	}
	defer tx.Rollback()

	cond, arg := scopeContains(del.Scope)
	pic, err := scanPicture(tx.QueryRowContext(ctx,
		`SELECT `+pictureFields+` FROM picture WHERE name = ? AND `+cond+` AND name <> ''`,
		del.Name, arg,
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
			`UPDATE picture SET scopes = ?, updated_ts = ? WHERE id = ?`,
			encodeScopes(remaining), now, pic.ID,
		); err != nil {
			return nil, storageErr("delete picture", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, storageErr("delete picture", err)
		}
		return &store.DeletePictureResult{Partial: true}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE picture SET name = '', scopes = '[]', uploader = '', updated_ts = ? WHERE id = ?`,
		now, pic.ID,
	); err != nil {
		return nil, storageErr("delete picture", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM picture_embedding WHERE picture_id = ?`, pic.ID,
	); err != nil {
		return nil, storageErr("delete picture", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("delete picture", err)
	}
	return &store.DeletePictureResult{ReleasedURL: pic.URL}, nil
}

// RandomPicture picks a random live picture. Patterns are matched as plain
// substrings: this driver has no regex support.
func (d *DB) RandomPicture(ctx context.Context, find *store.RandomPicture) (*store.Picture, error) {
	cond, args := scopeFilter(find.Scope)
	where := []string{cond, "name <> ''"}

	needle := find.Pattern
	if needle == "" {
		needle = find.Keyword
	}
	if needle != "" {
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(needle)
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escaped+"%")
	}

	query := `
		SELECT ` + pictureFields + `
		FROM picture
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY RANDOM()
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

// CountPictures counts live pictures whose name contains the pattern.
func (d *DB) CountPictures(ctx context.Context, pattern string, scope store.Scope) (int64, error) {
	cond, args := scopeFilter(scope)
	where := []string{cond, "name <> ''"}

	if pattern = strings.TrimSpace(pattern); pattern != "" && pattern != ".*" {
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escaped+"%")
	}

	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM picture WHERE `+strings.Join(where, " AND "),
		args...,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count pictures", err)
	}
	return count, nil
}

// ListPictures returns one page of live picture names in stable name order.
func (d *DB) ListPictures(ctx context.Context, find *store.ListPictures) ([]*store.PictureListEntry, error) {
	cond, args := scopeFilter(find.Scope)
	where := []string{cond, "name <> ''"}

	if pattern := strings.TrimSpace(find.Pattern); pattern != "" && pattern != ".*" {
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escaped+"%")
	}
	args = append(args, find.Limit, find.Offset)

	query := `
		SELECT name, scopes LIKE '%"globe"%'
		FROM picture
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY name
		LIMIT ? OFFSET ?
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
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

// GetUploader returns the uploader of the live picture in exactly this scope.
func (d *DB) GetUploader(ctx context.Context, name string, scope store.Scope) (string, error) {
	cond, arg := scopeContains(scope)
	var uploader string
	err := d.db.QueryRowContext(ctx,
		`SELECT uploader FROM picture WHERE name = ? AND `+cond+` AND name <> '' LIMIT 1`,
		name, arg,
	).Scan(&uploader)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", storageErr("get uploader", err)
	}
	return uploader, nil
}
