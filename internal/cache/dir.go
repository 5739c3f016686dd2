package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore keeps one file per key under a root directory.
type DirStore struct {
	root string
}

// NewDirStore returns a store rooted at dir. The directory is created on
// the first write.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

// Root returns the cache directory.
func (s *DirStore) Root() string {
	return s.root
}

// Lookup reads the entry for key.
func (s *DirStore) Lookup(ctx context.Context, key string) (Lookup, error) {
	if err := ctx.Err(); err != nil {
		return Lookup{}, err
	}
	if !validKey(key) {
		return Lookup{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	data, err := os.ReadFile(filepath.Join(s.root, key))
	if errors.Is(err, fs.ErrNotExist) {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	return Lookup{Value: string(data), Hit: true}, nil
}

// Put writes the entry for key. The content lands through a temporary file
// and a rename, so readers never see a partial entry.
func (s *DirStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", s.root, err)
	}

	tmp, err := os.CreateTemp(s.root, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache entry %s: %w", key, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.root, key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit cache entry %s: %w", key, err)
	}
	return nil
}
