package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps images under a local directory. A non-empty bucket is a
// subdirectory of the root.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) path(bucket, key string) (string, error) {
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, rel), nil
}

func (s *FileStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, err
	}
	if info.Size() > MaxObjectSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", p, MaxObjectSize)
	}
	return os.ReadFile(p) //nolint:gosec // rooted and checked by path
}

func (s *FileStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}
