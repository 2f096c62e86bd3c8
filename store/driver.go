package store

import (
	"context"
	"database/sql"
)

// Driver is the storage backend interface for the picture catalog. The driver
// owns atomicity: SavePicture, RenamePicture and DeletePicture must each
// execute as one atomic unit so that concurrent saves of identical bytes
// resolve to exactly one surviving row.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// SavePicture runs the dedup-checked, race-safe upsert: name-conflict
	// detection, URL dedup with scope merge, soft-deleted slot reuse, and
	// insert. It does not apply the similarity floor; the Store does.
	SavePicture(ctx context.Context, save *SavePicture) (*SavePictureResult, error)

	// SelectPicture resolves a name with local-then-global fallback.
	SelectPicture(ctx context.Context, name string, scope Scope) (*Picture, error)

	RenamePicture(ctx context.Context, rename *RenamePicture) (*Picture, error)
	DeletePicture(ctx context.Context, del *DeletePicture) (*DeletePictureResult, error)

	RandomPicture(ctx context.Context, find *RandomPicture) (*Picture, error)
	CountPictures(ctx context.Context, pattern string, scope Scope) (int64, error)
	ListPictures(ctx context.Context, find *ListPictures) ([]*PictureListEntry, error)

	// GetUploader returns the uploader of the live picture with this name in
	// exactly this scope (no global fallback), or ErrNotFound.
	GetUploader(ctx context.Context, name string, scope Scope) (string, error)

	UpsertPictureEmbedding(ctx context.Context, embedding *PictureEmbedding) error
	DeletePictureEmbedding(ctx context.Context, pictureID int64) error

	// NearestPicture returns the single best live match by cosine distance
	// within the scope's read filter, regardless of any floor, or nil when
	// the candidate set is empty.
	NearestPicture(ctx context.Context, find *NearestPicture) (*PictureMatch, error)

	// SearchByVector returns live pictures within MaxDistance, closest first.
	SearchByVector(ctx context.Context, find *SearchByVector) ([]*Picture, error)

	FindPicturesWithoutEmbedding(ctx context.Context, find *FindPicturesWithoutEmbedding) ([]*Picture, error)
}
