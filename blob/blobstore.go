// Package blob stores picture bytes under content-addressed paths.
//
// A location is either a path below the store's root directory, derived from
// the sha256 of the content, or an external http(s) URL. External URLs are
// read-through only: they are fetched on demand, never copied in, never
// re-hashed, and never deleted.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxFetchSize bounds external downloads. Chat platforms cap images well
// below this; anything larger is not a picture we want to store.
const MaxFetchSize = 64 << 20

// Store is a content-addressed blob store rooted at one directory.
type Store struct {
	root   string
	client *http.Client
}

// New creates a blob store rooted at dir, creating it when missing.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob dir required")
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, errors.Wrapf(err, "unable to create blob dir %s", dir)
	}
	return &Store{
		root: dir,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    90 * time.Second,
				DisableCompression: true,
			},
		},
	}, nil
}

// IsExternal reports whether a location is an unmanaged external URL.
func IsExternal(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Put stores bytes under their content address and returns the location,
// plus whether this call wrote the file. Identical content always maps to
// the identical location, so Put is idempotent and never duplicates
// storage; created is false when the blob already existed, which tells the
// caller the bytes may back a catalog row it cannot see. The write goes
// through a temporary file and an atomic rename: a failed write leaves no
// partial blob behind.
func (s *Store) Put(data []byte) (location string, created bool, err error) {
	if len(data) == 0 {
		return "", false, errors.New("empty content")
	}

	sum := sha256.Sum256(data)
	location = filepath.Join(s.root, hex.EncodeToString(sum[:]))

	if _, err := os.Stat(location); err == nil {
		return location, false, nil
	}

	tmp := filepath.Join(s.root, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o660); err != nil {
		return "", false, errors.Wrap(err, "failed to write blob")
	}
	if err := os.Rename(tmp, location); err != nil {
		os.Remove(tmp)
		return "", false, errors.Wrap(err, "failed to finalize blob")
	}
	return location, true, nil
}

// Fetch downloads an external URL with a bounded timeout.
func (s *Store) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build fetch request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", url)
	}
	if len(data) > MaxFetchSize {
		return nil, errors.Errorf("fetch %s: content exceeds %d bytes", url, MaxFetchSize)
	}
	return data, nil
}

// Get resolves a location to its bytes: managed paths are read from disk,
// external URLs are fetched over the network.
func (s *Store) Get(ctx context.Context, location string) ([]byte, error) {
	if IsExternal(location) {
		return s.Fetch(ctx, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blob %s", location)
	}
	return data, nil
}

// PutFromURL fetches an external URL and stores the bytes under their
// content address.
func (s *Store) PutFromURL(ctx context.Context, url string) (string, bool, error) {
	data, err := s.Fetch(ctx, url)
	if err != nil {
		return "", false, err
	}
	return s.Put(data)
}

// Delete removes a managed blob. Deleting an external URL is a no-op: the
// store does not own those bytes.
func (s *Store) Delete(location string) error {
	if location == "" || IsExternal(location) {
		return nil
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete blob %s", location)
	}
	return nil
}
