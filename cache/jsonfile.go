package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// JSONFile persists the store as a single JSON document.
type JSONFile struct {
	path string
}

// NewJSONFile returns a gateway for the JSON document at path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

func (g *JSONFile) Location() string { return g.path }

func (g *JSONFile) Close() error { return nil }

// Load reads the cache document. A missing file yields an empty store.
func (g *JSONFile) Load(ctx context.Context) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", g.path, err)
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", g.path, err)
	}
	return NewStoreFrom(records), nil
}

// Commit writes a snapshot of store. Writers in other processes are
// serialized through an advisory lock on <path>.lock, and the document is
// replaced by rename so readers see either the old or the new snapshot.
func (g *JSONFile) Commit(ctx context.Context, store *Store) error {
	data, err := Encode(store.Snapshot())
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	lock := flock.New(g.path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock cache %s: %w", g.path, err)
	}
	if !locked {
		return fmt.Errorf("lock cache %s: not acquired", g.path)
	}
	defer lock.Unlock()

	return atomicWrite(g.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o600); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	tempFile = nil
	return nil
}
