package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// FileStore persists each key as one file under dir. Writes go to a temp file
// first and are renamed into place, so a reader never sees a half-written value.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// path escapes the key so separators such as ':' and '/' are filesystem safe
func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, url.PathEscape(key)+".json")
}

func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (fs *FileStore) Set(ctx context.Context, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	target := fs.path(key)
	tempPath := target + ".tmp"
	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", key, err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", key, err)
	}

	observ.IncCounter("store_writes_total", map[string]string{"backend": "file"})
	return nil
}

func (fs *FileStore) Remove(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
