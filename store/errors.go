package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no live picture matches a name/scope pair.
var ErrNotFound = errors.New("picture not found")

// ErrVectorSearchUnsupported is returned by drivers that cannot run vector
// similarity queries (e.g. the SQLite dev driver).
var ErrVectorSearchUnsupported = errors.New("vector search not supported by this driver")

// NameConflictError reports that the destination (name, scope) is already
// occupied by a different live picture.
type NameConflictError struct {
	Name  string
	Scope Scope
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("picture %q already exists in scope %s", e.Name, e.Scope)
}

// SimilarPictureError reports that a save was rejected because a near-duplicate
// already exists. Similarity is on a 0-1 cosine scale.
type SimilarPictureError struct {
	Name       string
	Similarity float32
	URL        string
}

func (e *SimilarPictureError) Error() string {
	return fmt.Sprintf("similar picture %q already exists (similarity %.4f)", e.Name, e.Similarity)
}

// PermissionDeniedError reports that a privileged-only mutation was attempted
// without privilege.
type PermissionDeniedError struct {
	Op     string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for %s: %s", e.Op, e.Reason)
}

// StorageError wraps a backing-store or blob-transport failure. It is always
// retryable from the caller's perspective and never indicates corrupted state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
