package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"rescan/cache"
	"rescan/logger"
)

func init() {
	logger.Init("error")
	os.Setenv("RESCAN_DISABLE_PROGRESS", "1")
}

func writeSized(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newEngine(t *testing.T, store *cache.Store, opts Options) *Engine {
	t.Helper()
	e, err := New(store, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func run(t *testing.T, e *Engine) Result {
	t.Helper()
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func matchPaths(res Result) []string {
	var paths []string
	for _, m := range res.Sorted() {
		paths = append(paths, m.Path)
	}
	return paths
}

func TestSizeThresholdScenario(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "A")
	b := filepath.Join(root, "B")
	writeSized(t, a, 10)
	writeSized(t, b, 2048)

	store := cache.NewStore()
	opts := Options{Root: root, Predicate: SizeAtLeast(1024), Concurrency: 4}

	first := run(t, newEngine(t, store, opts))
	if got := matchPaths(first); !reflect.DeepEqual(got, []string{b}) {
		t.Fatalf("expected only B to match, got %v", got)
	}
	if first.Counters.Scanned != 2 || first.Counters.Added != 2 {
		t.Fatalf("unexpected counters: %+v", first.Counters)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}
	recordA, _ := store.Get(a)

	if err := os.Truncate(b, 10); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(b, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	second := run(t, newEngine(t, store, opts))
	if len(second.Matches) != 0 {
		t.Fatalf("expected no matches, got %v", matchPaths(second))
	}
	if second.Counters.Scanned != 2 || second.Counters.CacheHits != 1 || second.Counters.Refreshed != 1 {
		t.Fatalf("unexpected counters: %+v", second.Counters)
	}
	if rec, _ := store.Get(b); rec.Size != 10 {
		t.Fatalf("expected B updated to 10 bytes, got %d", rec.Size)
	}
	if rec, _ := store.Get(a); rec != recordA {
		t.Fatalf("expected A unchanged, got %+v want %+v", rec, recordA)
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	for i := range 20 {
		writeSized(t, filepath.Join(root, fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%d.log", i)), i*100)
	}
	store := cache.NewStore()
	opts := Options{Root: root, Predicate: NameGlob("*.log"), Concurrency: 3}

	first := run(t, newEngine(t, store, opts))
	snapshot := store.Snapshot()
	second := run(t, newEngine(t, store, opts))

	if !reflect.DeepEqual(first.Sorted(), second.Sorted()) {
		t.Fatal("matches differ between identical runs")
	}
	if second.Counters.CacheHits != 20 || second.Counters.Added != 0 || second.Counters.Refreshed != 0 {
		t.Fatalf("expected all cache hits, got %+v", second.Counters)
	}
	if !reflect.DeepEqual(snapshot, store.Snapshot()) {
		t.Fatal("store changed on a no-op rescan")
	}
}

func TestStaleRecordIsRefreshed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "data.bin")
	writeSized(t, path, 4096)
	info, _ := os.Lstat(path)

	// Same mtime, wrong size: never trust the cached size.
	store := cache.NewStoreFrom([]cache.FileRecord{{Path: path, Size: 1, ModTime: info.ModTime()}})
	res := run(t, newEngine(t, store, Options{Root: root, Predicate: SizeAtLeast(1024)}))

	if len(res.Matches) != 1 || res.Matches[0].Size != 4096 {
		t.Fatalf("expected fresh size in match, got %+v", res.Matches)
	}
	if res.Counters.Refreshed != 1 || res.Counters.CacheHits != 0 {
		t.Fatalf("unexpected counters: %+v", res.Counters)
	}
	if rec, _ := store.Get(path); rec.Size != 4096 {
		t.Fatalf("store not refreshed: %+v", rec)
	}
}

func TestCoarseResolutionReusesCachedRecord(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f")
	writeSized(t, path, 5)
	info, _ := os.Lstat(path)
	cachedMod := info.ModTime().Truncate(2 * time.Second)

	store := cache.NewStoreFrom([]cache.FileRecord{{Path: path, Size: 5, ModTime: cachedMod}})
	res := run(t, newEngine(t, store, Options{
		Root:      root,
		Predicate: NameEquals("f"),
		Oracle:    cache.Oracle{Resolution: 2 * time.Second},
	}))
	if res.Counters.CacheHits != 1 {
		t.Fatalf("expected cache hit at 2s resolution, got %+v", res.Counters)
	}
	if len(res.Matches) != 1 || !res.Matches[0].ModTime.Equal(cachedMod) {
		t.Fatalf("expected cached values in match, got %+v", res.Matches)
	}
}

type sliceWalker struct {
	entries []Entry
}

func (w sliceWalker) Walk(ctx context.Context, root string, fn func(Entry) error) error {
	for _, entry := range w.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func collectEntries(t *testing.T, root string) []Entry {
	t.Helper()
	var entries []Entry
	err := NewWalker(nil, nil, nil).Walk(context.Background(), root, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return entries
}

func TestOrderIndependence(t *testing.T) {
	root := t.TempDir()
	for i := range 60 {
		writeSized(t, filepath.Join(root, fmt.Sprintf("s%d", i%5), fmt.Sprintf("f%02d", i)), i*37)
	}
	entries := collectEntries(t, root)
	denied := filepath.Join(root, "s1", "f01")
	stat := func(path string) (fs.FileInfo, error) {
		if path == denied {
			return nil, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrPermission}
		}
		return os.Lstat(path)
	}

	var baseline Result
	var baselineStore []cache.FileRecord
	for i, workers := range []int{1, 2, 8, 16} {
		shuffled := append([]Entry(nil), entries...)
		rng := rand.New(rand.NewPCG(uint64(i), 42))
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		store := cache.NewStore()
		e := newEngine(t, store, Options{Root: root, Predicate: SizeAtLeast(1000), Concurrency: workers, Stat: stat})
		e.walker = sliceWalker{entries: shuffled}
		res := run(t, e)

		if i == 0 {
			baseline, baselineStore = res, store.Snapshot()
			continue
		}
		if !reflect.DeepEqual(res.Sorted(), baseline.Sorted()) {
			t.Fatalf("workers=%d: matches differ from sequential run", workers)
		}
		if res.Counters != baseline.Counters {
			t.Fatalf("workers=%d: counters %+v differ from %+v", workers, res.Counters, baseline.Counters)
		}
		if !reflect.DeepEqual(store.Snapshot(), baselineStore) {
			t.Fatalf("workers=%d: store differs from sequential run", workers)
		}
	}
	if baseline.Counters.Scanned != 60 || baseline.Counters.PermissionDenied != 1 {
		t.Fatalf("unexpected baseline counters: %+v", baseline.Counters)
	}
}

func TestMetadataFaultsAreIsolated(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good")
	denied := filepath.Join(root, "denied")
	broken := filepath.Join(root, "broken")
	for _, p := range []string{good, denied, broken} {
		writeSized(t, p, 2000)
	}
	staleDenied := cache.FileRecord{Path: denied, Size: 1, ModTime: time.Unix(100, 0)}
	store := cache.NewStoreFrom([]cache.FileRecord{staleDenied})

	stat := func(path string) (fs.FileInfo, error) {
		switch path {
		case denied:
			return nil, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrPermission}
		case broken:
			return nil, errors.New("input/output error")
		}
		return os.Lstat(path)
	}
	res := run(t, newEngine(t, store, Options{Root: root, Predicate: SizeAtLeast(1), Concurrency: 2, Stat: stat}))

	if res.Counters.Scanned != 3 || res.Counters.PermissionDenied != 1 || res.Counters.OtherErrors != 1 {
		t.Fatalf("unexpected counters: %+v", res.Counters)
	}
	if got := matchPaths(res); !reflect.DeepEqual(got, []string{good}) {
		t.Fatalf("expected only the readable file to match, got %v", got)
	}
	if rec, _ := store.Get(denied); rec != staleDenied {
		t.Fatalf("cached record must be retained on fault, got %+v", rec)
	}
	if _, ok := store.Get(broken); ok {
		t.Fatal("failed read must not create a record")
	}
}

func TestEntryReplacedByDirectoryIsNotRecorded(t *testing.T) {
	root := t.TempDir()
	swapped := filepath.Join(root, "swapped")
	kept := filepath.Join(root, "kept")
	writeSized(t, swapped, 2000)
	writeSized(t, kept, 2000)
	dir := filepath.Join(root, "dir")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	previous := cache.FileRecord{Path: swapped, Size: 2000, ModTime: time.Unix(100, 0)}
	store := cache.NewStoreFrom([]cache.FileRecord{previous})

	stat := func(path string) (fs.FileInfo, error) {
		if path == swapped {
			return os.Lstat(dir)
		}
		return os.Lstat(path)
	}
	e := newEngine(t, store, Options{Root: root, Predicate: SizeAtLeast(1), Concurrency: 2, Stat: stat})
	e.walker = sliceWalker{entries: []Entry{
		{Path: swapped, Kind: KindFile},
		{Path: kept, Kind: KindFile},
	}}
	res := run(t, e)

	if res.Counters.Scanned != 2 || res.Counters.OtherErrors != 1 || res.Counters.Added != 1 {
		t.Fatalf("unexpected counters: %+v", res.Counters)
	}
	if got := matchPaths(res); !reflect.DeepEqual(got, []string{kept}) {
		t.Fatalf("expected only the regular file to match, got %v", got)
	}
	if rec, _ := store.Get(swapped); rec != previous {
		t.Fatalf("non-regular read must not touch the record, got %+v", rec)
	}
}

func TestUnreadableDirectoryIsCounted(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	root := t.TempDir()
	writeSized(t, filepath.Join(root, "ok.txt"), 1)
	locked := filepath.Join(root, "locked")
	writeSized(t, filepath.Join(locked, "hidden.txt"), 1)
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(locked, 0o755)

	res := run(t, newEngine(t, cache.NewStore(), Options{Root: root, Predicate: NameGlob("*.txt")}))
	if res.Counters.PermissionDenied != 1 || res.Counters.Scanned != 1 {
		t.Fatalf("unexpected counters: %+v", res.Counters)
	}
}

func TestPruneMissing(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "keep")
	gone := filepath.Join(root, "gone")
	writeSized(t, keep, 1)
	writeSized(t, gone, 1)
	outside := cache.FileRecord{Path: filepath.Join(t.TempDir(), "elsewhere"), Size: 3}

	store := cache.NewStoreFrom([]cache.FileRecord{outside})
	opts := Options{Root: root, Predicate: SizeAtLeast(0)}
	run(t, newEngine(t, store, opts))
	if err := os.Remove(gone); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := run(t, newEngine(t, store, opts))
	if _, ok := store.Get(gone); !ok || res.Counters.Pruned != 0 {
		t.Fatal("records must be kept when pruning is off")
	}

	opts.PruneMissing = true
	res = run(t, newEngine(t, store, opts))
	if res.Counters.Pruned != 1 {
		t.Fatalf("expected 1 pruned record, got %d", res.Counters.Pruned)
	}
	if _, ok := store.Get(gone); ok {
		t.Fatal("expected vanished file to be pruned")
	}
	if _, ok := store.Get(keep); !ok {
		t.Fatal("existing file must not be pruned")
	}
	if _, ok := store.Get(outside.Path); !ok {
		t.Fatal("records outside the root must not be pruned")
	}
}

func TestPruneKeepsExcludedFiles(t *testing.T) {
	root := t.TempDir()
	vendored := filepath.Join(root, "vendor", "lib.go")
	writeSized(t, vendored, 1)
	store := cache.NewStoreFrom([]cache.FileRecord{{Path: vendored, Size: 1}})

	res := run(t, newEngine(t, store, Options{
		Root:         root,
		Predicate:    SizeAtLeast(0),
		Excludes:     []string{"vendor"},
		PruneMissing: true,
	}))
	if res.Counters.Scanned != 0 || res.Counters.Pruned != 0 {
		t.Fatalf("unexpected counters: %+v", res.Counters)
	}
	if _, ok := store.Get(vendored); !ok {
		t.Fatal("excluded but existing file must be kept")
	}
}

func TestCacheFileInsideRootIsSkipped(t *testing.T) {
	root := t.TempDir()
	cacheFile := filepath.Join(root, ".rescan_cache.json")
	writeSized(t, cacheFile, 5000)
	writeSized(t, cacheFile+".lock", 0)
	writeSized(t, filepath.Join(root, "real"), 5000)

	res := run(t, newEngine(t, cache.NewStore(), Options{
		Root:      root,
		Predicate: SizeAtLeast(0),
		Skip:      cache.SidecarPaths(cache.FormatJSON, cacheFile),
	}))
	if res.Counters.Scanned != 1 {
		t.Fatalf("expected only the real file to be scanned, got %+v", res.Counters)
	}
}

func TestCancelledRunReturnsPartialResult(t *testing.T) {
	root := t.TempDir()
	writeSized(t, filepath.Join(root, "f"), 1)
	store := cache.NewStore()
	e := newEngine(t, store, Options{Root: root, Predicate: SizeAtLeast(0), PruneMissing: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Counters.Scanned != 0 || res.Counters.Pruned != 0 {
		t.Fatalf("unexpected counters after cancellation: %+v", res.Counters)
	}
}

func TestRateLimitedRunCompletes(t *testing.T) {
	root := t.TempDir()
	for i := range 5 {
		writeSized(t, filepath.Join(root, fmt.Sprintf("f%d", i)), i)
	}
	e := newEngine(t, cache.NewStore(), Options{Root: root, Predicate: SizeAtLeast(3), MaxIOPerSecond: 100})
	res := run(t, e)
	if res.Counters.Scanned != 5 || len(res.Matches) != 2 {
		t.Fatalf("unexpected result: %+v", res.Counters)
	}
	if e.Progress() != 5 {
		t.Fatalf("expected progress 5, got %d", e.Progress())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(nil, Options{Root: ".", Predicate: SizeAtLeast(0)}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(cache.NewStore(), Options{Root: "."}); err == nil {
		t.Fatal("expected error for missing predicate")
	}
	if _, err := New(cache.NewStore(), Options{Predicate: SizeAtLeast(0)}); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestAdjustConcurrency(t *testing.T) {
	if got := adjustConcurrency(3, true, "low"); got != 3 {
		t.Fatalf("explicit concurrency must win, got %d", got)
	}
	if got := adjustConcurrency(8, false, "low"); got != 1 {
		t.Fatalf("expected 1 worker for low, got %d", got)
	}
	if got := adjustConcurrency(8, false, "medium"); got < 1 {
		t.Fatalf("expected at least one worker, got %d", got)
	}
}
