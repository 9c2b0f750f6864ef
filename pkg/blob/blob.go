// Package blob stores raw evidence payloads (document scans, photos)
// under caller-chosen keys. Claim rows reference blobs by storage path,
// so keys are stable identifiers, not content hashes: re-uploading
// evidence overwrites the previous bytes at the same key.
//
// Three backends implement Store: local filesystem, S3 and GCS. The
// backend is picked at startup from configuration; see New.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no blob exists at the key.
var ErrNotFound = errors.New("blob: not found")

// Store is the contract for evidence payload storage.
type Store interface {
	// Put writes data at key, replacing any previous blob there.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves the blob at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a blob is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the blob at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// validateKey rejects keys that could escape the storage root or that
// object stores would mangle. Keys are slash-separated relative paths,
// e.g. "claims/<claim_id>/evidence/<evidence_id>".
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob: empty key")
	}
	if strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("blob: invalid key %q", key)
		}
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("blob: ensure base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) resolve(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("blob: ensure dir for %s: %w", key, err)
	}

	// Write to temp, then rename
	tmpPath := dst + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: commit %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.resolve(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.resolve(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}
