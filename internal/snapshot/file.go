package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/election-app/election-app/internal/cache"
)

// FileStore writes the snapshot as a JSON file. Writes go to a temp file in
// the same directory which is synced and renamed over the target.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("snapshot: file path required")
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

func (f *FileStore) Name() string { return "file" }

func (f *FileStore) Save(ctx context.Context, snap cache.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(snap)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

func (f *FileStore) Load(ctx context.Context) (cache.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return cache.Snapshot{}, err
	}
	payload, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache.Snapshot{}, ErrNotFound
		}
		return cache.Snapshot{}, fmt.Errorf("snapshot: read %s: %w", f.path, err)
	}
	return decode(payload)
}

func (f *FileStore) Close() error { return nil }

// syncDir persists the rename on filesystems that need a directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
