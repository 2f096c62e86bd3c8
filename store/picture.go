package store

import (
	"github.com/pkg/errors"
)

// Picture is the catalog's core entity: a short name, the scopes under which
// that name resolves, and the storage location of the bytes. The URL is the
// deduplication key: two saves of byte-identical content collapse to one row.
// A row with an empty name is a soft-deleted slot awaiting reuse.
type Picture struct {
	ID        int64
	Name      string
	Scopes    []Scope
	URL       string
	Uploader  string
	CreatedTs int64
	UpdatedTs int64
}

// IsGlobal reports whether the picture is globally visible.
func (p *Picture) IsGlobal() bool {
	return ContainsGlobal(p.Scopes)
}

// PictureEmbedding is the vector attached to a picture for similarity search.
// Vectors are only comparable within one model configuration.
type PictureEmbedding struct {
	PictureID int64
	Model     string
	Embedding []float32
}

// SavePicture is the request for Store.SavePicture.
type SavePicture struct {
	Name     string
	URL      string
	Scope    Scope
	Uploader string

	// Vector is the image embedding, nil when the embedding backend was
	// unavailable. A nil vector disables the save-time collision check.
	Vector []float32

	// AllowCollision skips the near-duplicate rejection.
	AllowCollision bool
}

// Validate validates the save request.
func (s *SavePicture) Validate() error {
	if s.Name == "" {
		return errors.New("name cannot be empty")
	}
	if s.URL == "" {
		return errors.New("url cannot be empty")
	}
	return nil
}

// SaveOutcome describes how a save request was satisfied.
type SaveOutcome int

const (
	// SaveCreated means a new row was inserted.
	SaveCreated SaveOutcome = iota
	// SaveReusedSlot means a soft-deleted row was given the new identity.
	SaveReusedSlot
	// SaveMerged means byte-identical content already existed; the request's
	// scope was merged into the existing row instead of creating a new one.
	// This is informational, not an error: the picture may live under a
	// different name, reported in ExistingName.
	SaveMerged
)

// SavePictureResult is the outcome of a save.
type SavePictureResult struct {
	Picture *Picture
	Outcome SaveOutcome

	// ExistingName is the name the content was already saved under when
	// Outcome is SaveMerged.
	ExistingName string
}

// RenamePicture is the request for Store.RenamePicture.
type RenamePicture struct {
	OldName  string
	NewName  string
	SrcScope Scope
	DstScope Scope

	// Privileged permits renaming pictures that live in more than one scope.
	Privileged bool

	// Vector replaces the picture's embedding when the caller already
	// recomputed it against the new name. When nil the stale embedding is
	// dropped and recomputed by the backfill job.
	Vector []float32

	// Model is the embedding model Vector was computed with.
	Model string
}

// Validate validates the rename request.
func (r *RenamePicture) Validate() error {
	if r.OldName == "" || r.NewName == "" {
		return errors.New("name cannot be empty")
	}
	return nil
}

// DeletePicture is the request for Store.DeletePicture.
type DeletePicture struct {
	Name  string
	Scope Scope
}

// DeletePictureResult is the outcome of a delete.
type DeletePictureResult struct {
	// Partial is true when the picture lived in more than one scope and was
	// only removed from the requested one; it stays live elsewhere.
	Partial bool

	// ReleasedURL is the storage location freed by a full delete, empty for
	// partial deletes. The caller owns releasing the blob.
	ReleasedURL string
}

// NearestPicture is the request for Store.NearestPicture.
type NearestPicture struct {
	Vector []float32
	Scope  Scope
	Model  string

	// IgnoreFloor returns the best match even below the query-time
	// similarity floor. Used by administrative flows.
	IgnoreFloor bool
}

// Validate validates the nearest request.
func (n *NearestPicture) Validate() error {
	if len(n.Vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	return nil
}

// PictureMatch is a similarity search hit.
type PictureMatch struct {
	Picture *Picture
	// Distance is the cosine distance to the query (0 identical, 2 opposite).
	Distance float32
}

// Similarity returns the match's cosine similarity clamped to [0, 1].
func (m *PictureMatch) Similarity() float32 {
	sim := 1 - m.Distance
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// RandomPicture is the request for Store.RandomPicture. Exactly one of
// Keyword (substring match) or Pattern (case-insensitive regex) is used;
// Pattern wins when both are set. Empty keyword and pattern match everything.
type RandomPicture struct {
	Keyword string
	Pattern string
	Scope   Scope
}

// SearchByVector finds live pictures whose stored embedding is within
// MaxDistance of Vector, used for text-to-name retrieval fallback.
type SearchByVector struct {
	Vector      []float32
	Scope       Scope
	Model       string
	MaxDistance float32
	Limit       int
}

// Validate validates the vector search request.
func (s *SearchByVector) Validate() error {
	if len(s.Vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	if s.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", s.Limit)
	}
	if s.Limit == 0 {
		s.Limit = 8
	}
	return nil
}

// ListPictures is the request for Store.ListPictures.
type ListPictures struct {
	Pattern string
	Scope   Scope
	Offset  int
	Limit   int
}

// PictureListEntry is one row of a picture listing.
type PictureListEntry struct {
	Name   string
	Global bool
}

// FindPicturesWithoutEmbedding finds live pictures missing an embedding for
// the given model, for the administrative backfill job.
type FindPicturesWithoutEmbedding struct {
	Model string
	Limit int
}
