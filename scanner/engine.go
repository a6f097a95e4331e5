package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rescan/cache"
	"rescan/config"
	"rescan/logger"
	"rescan/tracing"
	"rescan/utils"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

// StatFunc reads live metadata for path without following a final symlink.
type StatFunc func(path string) (fs.FileInfo, error)

// Options configures an Engine. Root and Predicate are required.
type Options struct {
	Root        string
	Predicate   Predicate
	Oracle      cache.Oracle
	Concurrency int
	// Includes limits which files are considered; directories are always
	// descended unless excluded.
	Includes []string
	Excludes []string
	// Skip lists paths the walker never emits, such as the cache file itself.
	Skip         []string
	PruneMissing bool

	MaxIOPerSecond    int
	AutoTune          bool
	AutoTuneInterval  time.Duration
	AutoTuneTargetCPU float64
	NiceLevel         string
	Progress          bool

	// Stat overrides how file metadata is read. When nil the walker's
	// directory entry is asked, which costs one lstat per file.
	Stat StatFunc
}

// Engine reconciles a directory tree against a metadata store.
type Engine struct {
	store  *cache.Store
	opts   Options
	walker Walker

	scanned atomic.Int64
}

type runState struct {
	cacheHits        atomic.Int64
	refreshed        atomic.Int64
	added            atomic.Int64
	permissionDenied atomic.Int64
	otherErrors      atomic.Int64

	mu      sync.Mutex
	matches []Match

	seenMu sync.Mutex
	seen   map[string]struct{}
}

func (st *runState) addMatch(m Match) {
	st.mu.Lock()
	st.matches = append(st.matches, m)
	st.mu.Unlock()
}

func (st *runState) markSeen(path string) {
	if st.seen == nil {
		return
	}
	st.seenMu.Lock()
	st.seen[path] = struct{}{}
	st.seenMu.Unlock()
}

func (st *runState) fault(path string, err error) {
	kind := classify(err)
	if kind == faultPermission {
		st.permissionDenied.Add(1)
	} else {
		st.otherErrors.Add(1)
	}
	logger.WithFields(map[string]interface{}{"path": path, "kind": kind.String()}).Debugf("Skipping entry: %v", err)
}

// New returns an engine that reads and updates store.
func New(store *cache.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("scanner: nil store")
	}
	if opts.Predicate == nil {
		return nil, errors.New("scanner: predicate is required")
	}
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("scanner: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	return &Engine{
		store:  store,
		opts:   opts,
		walker: NewWalker(opts.Includes, opts.Excludes, opts.Skip),
	}, nil
}

// OptionsFromConfig maps validated configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	predicate, err := NewPredicate(cfg.MinSizeBytes, cfg.HasMinSize(), cfg.Name, cfg.Glob)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Root:              cfg.Root,
		Predicate:         predicate,
		Oracle:            cache.Oracle{Resolution: cfg.MtimeResolution},
		Concurrency:       adjustConcurrency(cfg.ConcurrencyLevel, cfg.ConcurrencySet, cfg.NiceLevel),
		Includes:          cfg.IncludePatterns,
		Excludes:          cfg.ExcludePatterns,
		Skip:              cache.SidecarPaths(cfg.CacheFormat, cfg.CacheFile),
		PruneMissing:      cfg.PruneMissing,
		MaxIOPerSecond:    cfg.MaxIOPerSecond,
		AutoTune:          cfg.AutoTune,
		AutoTuneInterval:  cfg.AutoTuneInterval,
		AutoTuneTargetCPU: cfg.AutoTuneTargetCPU,
		NiceLevel:         cfg.NiceLevel,
		Progress:          cfg.Progress,
	}, nil
}

// Progress returns the number of files scanned so far in the current run.
func (e *Engine) Progress() int64 {
	return e.scanned.Load()
}

// Run walks the root once. Faults are counted, never returned. If ctx is
// cancelled no further files are dispatched, files already handed to a worker
// are finished, and the partial result is returned together with ctx.Err().
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	e.scanned.Store(0)
	st := &runState{}
	if e.opts.PruneMissing {
		st.seen = make(map[string]struct{})
	}

	ctx, endTask := tracing.StartTask(ctx, "scan")
	defer endTask()

	var limiter *rate.Limiter
	switch {
	case e.opts.MaxIOPerSecond > 0:
		limiter = rate.NewLimiter(rate.Limit(e.opts.MaxIOPerSecond), e.opts.MaxIOPerSecond)
	case e.opts.AutoTune:
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(e.progressVisible()),
		progressbar.OptionFullWidth(),
	)
	progressCh := make(chan int, max(e.opts.Concurrency*4, 64))
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		for delta := range progressCh {
			_ = bar.Add(delta)
		}
	}()

	filesChan := make(chan Entry, e.opts.Concurrency)

	tuneCtx, stopTune := context.WithCancel(ctx)
	defer stopTune()
	if e.opts.AutoTune && e.opts.MaxIOPerSecond <= 0 {
		startAutoTune(tuneCtx,
			autoTuneSettings{interval: e.opts.AutoTuneInterval, targetCPU: e.opts.AutoTuneTargetCPU, nice: e.opts.NiceLevel},
			limiter,
			newAutoTuneState(e.opts.NiceLevel),
			autoTuneTelemetry{
				queueDepthFn:     func() int { return len(filesChan) },
				queueCapacityFn:  func() int { return cap(filesChan) },
				processedCountFn: e.scanned.Load,
			},
		)
	}

	var walkErr error
	go func() {
		defer close(filesChan)
		walkErr = e.walker.Walk(ctx, e.opts.Root, func(entry Entry) error {
			if entry.Err != nil {
				st.fault(entry.Path, entry.Err)
				return nil
			}
			if entry.Kind != KindFile {
				return nil
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case filesChan <- entry:
			}
			return nil
		})
	}()

	var wg sync.WaitGroup
	for range e.opts.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Entries already queued are drained even after cancellation.
			for entry := range filesChan {
				e.reconcile(ctx, st, entry)
				progressCh <- 1
			}
		}()
	}

	wg.Wait()
	close(progressCh)
	progressWG.Wait()
	_ = bar.Finish()

	var pruned int64
	cancelled := ctx.Err()
	if walkErr != nil && cancelled == nil {
		logger.Warnf("Walk of %s stopped early: %v", e.opts.Root, walkErr)
	}
	if e.opts.PruneMissing {
		if cancelled != nil || walkErr != nil {
			logger.Warn("Skipping prune after an incomplete walk")
		} else {
			pruned = e.prune(st)
		}
	}

	result := Result{
		Root:      e.opts.Root,
		Predicate: e.opts.Predicate.String(),
		Matches:   st.matches,
		Counters: Counters{
			Scanned:          e.scanned.Load(),
			PermissionDenied: st.permissionDenied.Load(),
			OtherErrors:      st.otherErrors.Load(),
			CacheHits:        st.cacheHits.Load(),
			Refreshed:        st.refreshed.Load(),
			Added:            st.added.Load(),
			Pruned:           pruned,
		},
		Elapsed: time.Since(start),
	}
	return result, cancelled
}

// reconcile brings the store up to date for one file and records a match.
func (e *Engine) reconcile(ctx context.Context, st *runState, entry Entry) {
	defer tracing.StartRegion(ctx, "reconcile")()

	e.scanned.Add(1)
	st.markSeen(entry.Path)

	cached, found := e.store.Get(entry.Path)
	info, err := e.stat(entry)
	if err != nil {
		st.fault(entry.Path, err)
		return
	}
	if !info.Mode().IsRegular() {
		st.fault(entry.Path, &fs.PathError{Op: "stat", Path: entry.Path, Err: errNotRegular})
		return
	}
	name := filepath.Base(entry.Path)

	if found && e.opts.Oracle.IsFresh(cached, info.Size(), info.ModTime()) {
		st.cacheHits.Add(1)
		if e.opts.Predicate.Match(name, cached.Size) {
			st.addMatch(Match{Path: cached.Path, Size: cached.Size, ModTime: cached.ModTime})
		}
		return
	}

	record := cache.FileRecord{Path: entry.Path, Size: info.Size(), ModTime: info.ModTime()}
	e.store.Upsert(record)
	if found {
		st.refreshed.Add(1)
	} else {
		st.added.Add(1)
	}
	if e.opts.Predicate.Match(name, record.Size) {
		st.addMatch(Match{Path: record.Path, Size: record.Size, ModTime: record.ModTime})
	}
}

func (e *Engine) stat(entry Entry) (fs.FileInfo, error) {
	if e.opts.Stat != nil {
		return e.opts.Stat(entry.Path)
	}
	if entry.DirEntry != nil {
		return entry.DirEntry.Info()
	}
	return os.Lstat(entry.Path)
}

// prune drops records under the root that were not seen in this run and
// whose file is confirmed gone. Records that merely could not be reached
// are kept.
func (e *Engine) prune(st *runState) int64 {
	guard := utils.NewPathGuard([]string{e.opts.Root})
	var pruned int64
	for _, path := range e.store.Paths() {
		if _, ok := st.seen[path]; ok {
			continue
		}
		if !guard.Contains(path) {
			continue
		}
		if _, err := os.Lstat(path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if e.store.Delete(path) {
			pruned++
			logger.WithField("path", path).Debug("Pruned missing file from cache")
		}
	}
	return pruned
}

func (e *Engine) progressVisible() bool {
	if !e.opts.Progress {
		return false
	}
	value := strings.ToLower(strings.TrimSpace(os.Getenv("RESCAN_DISABLE_PROGRESS")))
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return false
	}
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// adjustConcurrency derives the worker count from the nice level unless the
// operator set one explicitly.
func adjustConcurrency(level int, explicit bool, nice string) int {
	if explicit && level > 0 {
		return level
	}
	numCPU := runtime.NumCPU()
	switch nice {
	case "high":
		return numCPU
	case "low":
		return 1
	case "medium":
		return max(1, numCPU/2)
	}
	if level > 0 {
		return level
	}
	return numCPU
}
