package store

import (
	"context"

	"github.com/yan-zero/savepic/internal/profile"
)

// Store is the single source of truth for name-scope-location-vector
// mappings. It is constructed once at process start with an injected driver
// and closed at shutdown; it holds no global state.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// saveFloor is the save-time cosine-distance ceiling below which a new
	// picture is rejected as a near-duplicate. It is deliberately much
	// tighter than queryFloor: rejecting a save needs near-duplicate
	// confidence, answering "did you mean" does not.
	saveFloor float32

	// queryFloor is the query-time cosine-distance ceiling; matches beyond
	// it are treated as "no match" unless the caller opts out.
	queryFloor float32
}

// New creates a new Store instance.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		profile:    profile,
		driver:     driver,
		saveFloor:  profile.SaveDistanceFloor,
		queryFloor: profile.QueryDistanceFloor,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// SavePicture saves a picture into the catalog. When a vector is supplied and
// collisions are not allowed, the save is first checked against the
// similarity engine within {scope, global}; a match tighter than the
// save-time floor rejects the save with a SimilarPictureError before
// anything is written.
func (s *Store) SavePicture(ctx context.Context, save *SavePicture, model string) (*SavePictureResult, error) {
	if err := save.Validate(); err != nil {
		return nil, err
	}

	if !save.AllowCollision && len(save.Vector) > 0 {
		match, err := s.driver.NearestPicture(ctx, &NearestPicture{
			Vector: save.Vector,
			Scope:  save.Scope,
			Model:  model,
		})
		switch {
		case err == ErrVectorSearchUnsupported:
			// Similarity search unavailable; proceed without the check.
		case err != nil:
			return nil, err
		case match != nil && match.Distance < s.saveFloor:
			return nil, &SimilarPictureError{
				Name:       match.Picture.Name,
				Similarity: match.Similarity(),
				URL:        match.Picture.URL,
			}
		}
	}

	result, err := s.driver.SavePicture(ctx, save)
	if err != nil {
		return nil, err
	}

	if len(save.Vector) > 0 {
		// The row is committed at this point; a failed embedding write is
		// repaired by the backfill job rather than failing the save.
		_ = s.driver.UpsertPictureEmbedding(ctx, &PictureEmbedding{
			PictureID: result.Picture.ID,
			Model:     model,
			Embedding: save.Vector,
		})
	}

	return result, nil
}

// SelectPicture resolves a name, preferring the requested scope and falling
// back to global. Returns ErrNotFound when neither has a live picture.
func (s *Store) SelectPicture(ctx context.Context, name string, scope Scope) (*Picture, error) {
	return s.driver.SelectPicture(ctx, name, scope)
}

// RenamePicture renames and/or re-scopes a picture. Pictures living in more
// than one scope require a privileged caller.
func (s *Store) RenamePicture(ctx context.Context, rename *RenamePicture) (*Picture, error) {
	if err := rename.Validate(); err != nil {
		return nil, err
	}
	return s.driver.RenamePicture(ctx, rename)
}

// DeletePicture removes a picture from one scope. Deleting from the last
// remaining scope soft-deletes the row, detaches its embedding, and reports
// the blob location to release.
func (s *Store) DeletePicture(ctx context.Context, del *DeletePicture) (*DeletePictureResult, error) {
	return s.driver.DeletePicture(ctx, del)
}

// NearestPicture returns the single best similarity match within the scope's
// read filter, or nil when there is no candidate or the best candidate falls
// below the query-time floor (unless IgnoreFloor is set).
func (s *Store) NearestPicture(ctx context.Context, find *NearestPicture) (*PictureMatch, error) {
	if err := find.Validate(); err != nil {
		return nil, err
	}
	match, err := s.driver.NearestPicture(ctx, find)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}
	if !find.IgnoreFloor && match.Distance > s.queryFloor {
		return nil, nil
	}
	return match, nil
}

// RandomPicture returns a random live picture matching the request, or
// ErrNotFound.
func (s *Store) RandomPicture(ctx context.Context, find *RandomPicture) (*Picture, error) {
	return s.driver.RandomPicture(ctx, find)
}

// SearchByVector returns live pictures within the request's distance bound.
func (s *Store) SearchByVector(ctx context.Context, find *SearchByVector) ([]*Picture, error) {
	if err := find.Validate(); err != nil {
		return nil, err
	}
	return s.driver.SearchByVector(ctx, find)
}

// CountPictures counts live pictures whose name matches the pattern within
// the scope's read filter.
func (s *Store) CountPictures(ctx context.Context, pattern string, scope Scope) (int64, error) {
	return s.driver.CountPictures(ctx, pattern, scope)
}

// ListPictures returns one page of live picture names, ordered by name.
func (s *Store) ListPictures(ctx context.Context, find *ListPictures) ([]*PictureListEntry, error) {
	if find.Limit <= 0 {
		find.Limit = s.profile.ListPageSize
	}
	return s.driver.ListPictures(ctx, find)
}

// CheckUploader reports whether uploader is the recorded uploader of the
// picture with this name in exactly this scope.
func (s *Store) CheckUploader(ctx context.Context, name string, scope Scope, uploader string) (bool, error) {
	owner, err := s.driver.GetUploader(ctx, name, scope)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner != "" && owner == uploader, nil
}

// UpsertPictureEmbedding stores or replaces a picture's embedding.
func (s *Store) UpsertPictureEmbedding(ctx context.Context, embedding *PictureEmbedding) error {
	return s.driver.UpsertPictureEmbedding(ctx, embedding)
}

// FindPicturesWithoutEmbedding lists live pictures missing an embedding for
// the given model.
func (s *Store) FindPicturesWithoutEmbedding(ctx context.Context, find *FindPicturesWithoutEmbedding) ([]*Picture, error) {
	return s.driver.FindPicturesWithoutEmbedding(ctx, find)
}
