// Package blobstore stores one image file per opaque key on local disk.
//
// The store knows nothing about documents or pages; its side effects are
// confined to its root directory. Decoded pixel data is never retained beyond
// what a caller explicitly reads.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"scanbox/internal/errs"
)

// Store maps opaque keys to files under a dedicated root directory.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blobstore: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir root: %w", err)
	}
	return &Store{root: root}, nil
}

// validKey rejects keys that could escape the store's namespace.
func validKey(key string) error {
	if key == "" {
		return errors.New("blobstore: empty key")
	}
	if strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return fmt.Errorf("blobstore: invalid key %q", key)
	}
	return nil
}

func (s *Store) path(key string) string { return filepath.Join(s.root, key+".img") }

// Put writes the blob atomically: a temp sibling is written and fsynced, then
// renamed over the final name, so a crash mid-write never leaves a corrupt
// file visible under the key. Writing the same key twice overwrites.
func (s *Store) Put(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	final := s.path(key)
	tmp, err := os.CreateTemp(s.root, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: rename: %w", err)
	}
	return nil
}

// Get reads the blob. Returns errs.ErrBlobMissing when the key has never been
// written or was deleted; callers treat that as recoverable, not fatal.
func (s *Store) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blobstore: %q: %w", key, errs.ErrBlobMissing)
		}
		return nil, fmt.Errorf("blobstore: read %q: %w", key, err)
	}
	return b, nil
}

// Delete removes the blob. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %q: %w", key, err)
	}
	return nil
}

// Exists reports whether a blob is present for the key.
func (s *Store) Exists(key string) bool {
	if validKey(key) != nil {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}
