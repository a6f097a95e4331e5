package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rescan/logger"
)

// ErrUnknownFormat is returned by Open for an unsupported cache format.
var ErrUnknownFormat = errors.New("unknown cache format")

const (
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
)

// Gateway moves a Store to and from durable storage.
//
// Load returns an empty store, not an error, when nothing has been persisted
// yet. Commit must never leave storage holding a partially written snapshot.
type Gateway interface {
	Load(ctx context.Context) (*Store, error)
	Commit(ctx context.Context, store *Store) error
	Location() string
	Close() error
}

// Open returns the gateway for format, persisting at path.
func Open(format, path string) (Gateway, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache path cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return NewJSONFile(path), nil
	case FormatSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// LoadOrEmpty loads the store behind g, falling back to an empty store when
// the durable copy is unreadable. A bad cache only costs a cold start.
func LoadOrEmpty(ctx context.Context, g Gateway) *Store {
	store, err := g.Load(ctx)
	if err != nil {
		logger.Warnf("Cache %s unusable, starting cold: %v", g.Location(), err)
		return NewStore()
	}
	logger.WithField("records", store.Len()).Debugf("Loaded cache %s", g.Location())
	return store
}

// SidecarPaths lists the files a gateway may create next to path.
func SidecarPaths(format, path string) []string {
	paths := []string{path, path + ".lock"}
	if strings.EqualFold(strings.TrimSpace(format), FormatSQLite) {
		paths = append(paths, path+"-wal", path+"-shm", path+"-journal")
	}
	return paths
}
