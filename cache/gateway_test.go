package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rescan/logger"
)

func init() {
	logger.Init("error")
}

func sampleStore() *Store {
	return NewStoreFrom([]FileRecord{
		{Path: "/root/a", Size: 10, ModTime: time.Unix(1710000000, 123)},
		{Path: "/root/b", Size: 2048, ModTime: time.Unix(1710000001, 0)},
		{Path: "/root/c", Size: 1},
	})
}

func TestJSONFileCommitLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	g := NewJSONFile(path)
	ctx := context.Background()

	store := sampleStore()
	if err := g.Commit(ctx, store); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	equalRecords(t, loaded.Snapshot(), store.Snapshot())

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestJSONFileCommitEmptyStore(t *testing.T) {
	g := NewJSONFile(filepath.Join(t.TempDir(), "cache.json"))
	ctx := context.Background()
	if err := g.Commit(ctx, NewStore()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 0 {
		t.Fatalf("expected empty store, got %d", loaded.Len())
	}
}

func TestJSONFileMissingIsColdStart(t *testing.T) {
	g := NewJSONFile(filepath.Join(t.TempDir(), "absent.json"))
	store, err := g.Load(context.Background())
	if err != nil {
		t.Fatalf("expected no error for missing cache, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("expected empty store")
	}
}

func TestLoadOrEmptyRecoversFromCorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"records":[{"path":`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	g := NewJSONFile(path)
	if _, err := g.Load(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	store := LoadOrEmpty(context.Background(), g)
	if store == nil || store.Len() != 0 {
		t.Fatal("expected empty store on corrupt cache")
	}
}

func TestJSONFileCommitFailureKeepsPreviousSnapshot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	g := NewJSONFile(path)
	ctx := context.Background()
	if err := g.Commit(ctx, sampleStore()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o700)

	if err := g.Commit(ctx, NewStore()); err == nil {
		t.Fatal("expected commit into read-only directory to fail")
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("expected previous snapshot intact, got %d records", loaded.Len())
	}
}

func TestSQLiteCommitLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	g, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	empty, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if empty.Len() != 0 {
		t.Fatal("expected empty database")
	}

	store := sampleStore()
	if err := g.Commit(ctx, store); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	equalRecords(t, loaded.Snapshot(), store.Snapshot())

	store.Delete("/root/a")
	if err := g.Commit(ctx, store); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	loaded, err = g.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := loaded.Get("/root/a"); ok {
		t.Fatal("expected committed snapshot to replace previous rows")
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", loaded.Len())
	}
}

func TestSQLiteKeepsTimesOutsideNanosecondRange(t *testing.T) {
	g, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	store := NewStoreFrom([]FileRecord{
		{Path: "/future", Size: 1, ModTime: time.Date(2300, 1, 1, 0, 0, 0, 5, time.UTC)},
		{Path: "/past", Size: 2, ModTime: time.Date(1600, 6, 1, 12, 0, 0, 999999999, time.UTC)},
		{Path: "/pre-epoch", Size: 3, ModTime: time.Unix(-1, 500)},
	})
	if err := g.Commit(ctx, store); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	equalRecords(t, loaded.Snapshot(), store.Snapshot())

	oracle := Oracle{}
	for _, want := range store.Snapshot() {
		got, _ := loaded.Get(want.Path)
		if !oracle.IsFresh(got, want.Size, want.ModTime) {
			t.Fatalf("record %s reloaded as stale: %v vs %v", want.Path, got.ModTime, want.ModTime)
		}
	}
}

func TestSQLiteCorruptDatabaseFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	if err := os.WriteFile(path, []byte("definitely not a sqlite database, just padding bytes here"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	g, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()
	if store := LoadOrEmpty(context.Background(), g); store.Len() != 0 {
		t.Fatal("expected cold start for corrupt database")
	}
}

func TestOpenFormats(t *testing.T) {
	dir := t.TempDir()
	g, err := Open("json", filepath.Join(dir, "c.json"))
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	if _, ok := g.(*JSONFile); !ok {
		t.Fatalf("expected JSONFile, got %T", g)
	}
	g, err = Open("SQLite", filepath.Join(dir, "c.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer g.Close()
	if _, ok := g.(*SQLite); !ok {
		t.Fatalf("expected SQLite, got %T", g)
	}
	if _, err := Open("xml", filepath.Join(dir, "c.xml")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if _, err := Open("json", " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSidecarPaths(t *testing.T) {
	if got := SidecarPaths("json", "/c.json"); len(got) != 2 {
		t.Fatalf("unexpected json sidecars: %v", got)
	}
	if got := SidecarPaths("sqlite", "/c.db"); len(got) != 5 || got[2] != "/c.db-wal" {
		t.Fatalf("unexpected sqlite sidecars: %v", got)
	}
}
