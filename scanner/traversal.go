package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"rescan/utils"
)

// EntryKind is the type of a walked filesystem entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindOther
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "other"
	}
}

// Entry is one item produced by a Walker. When Err is set the entry is a
// traversal fault for Path and DirEntry may be nil.
type Entry struct {
	Path     string
	Kind     EntryKind
	DirEntry fs.DirEntry
	Err      error
}

// Walker enumerates the tree under root. fn may return fs.SkipDir for a
// directory entry to avoid descending into it; any other error aborts the walk.
// Order is unspecified.
type Walker interface {
	Walk(ctx context.Context, root string, fn func(Entry) error) error
}

type fastWalker struct {
	matcher *utils.PatternMatcher
	skip    map[string]struct{}
}

// NewWalker returns a walker that does not follow symlinks and never emits
// the paths in skip. Excludes drop whole subtrees as well as files; when
// includes are given, only files matching one of them are emitted.
func NewWalker(includes, excludes, skip []string) Walker {
	w := fastWalker{skip: make(map[string]struct{}, len(skip))}
	if len(includes) > 0 || len(excludes) > 0 {
		w.matcher = utils.NewPatternMatcher(includes, excludes)
	}
	for _, path := range skip {
		if abs, err := filepath.Abs(path); err == nil {
			w.skip[abs] = struct{}{}
		}
	}
	return w
}

func kindOf(d fs.DirEntry) EntryKind {
	switch {
	case d.Type().IsRegular():
		return KindFile
	case d.IsDir():
		return KindDir
	default:
		return KindOther
	}
}

func (w fastWalker) excluded(path string, d fs.DirEntry) bool {
	if _, ok := w.skip[path]; ok {
		return true
	}
	if w.matcher == nil {
		return false
	}
	if d.IsDir() {
		return w.matcher.IsExcluded(path)
	}
	return !w.matcher.ShouldInclude(path)
}

func (w fastWalker) Walk(ctx context.Context, root string, fn func(Entry) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fn(Entry{Path: root, Kind: KindDir, Err: err})
	}
	if !info.IsDir() {
		return fn(Entry{Path: root, Kind: KindOther, Err: errors.New("not a directory")})
	}

	type item struct {
		path  string
		entry fs.DirEntry
	}
	stack := []item{{path: root, entry: fs.FileInfoToDirEntry(info)}}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kind := kindOf(current.entry)
		if current.path == root {
			kind = KindDir
		}
		if err := fn(Entry{Path: current.path, Kind: kind, DirEntry: current.entry}); err != nil {
			if errors.Is(err, fs.SkipDir) {
				continue
			}
			return err
		}
		if kind != KindDir {
			continue
		}

		// ReadDir hands back whatever it read before failing; keep those.
		entries, err := os.ReadDir(current.path)
		if err != nil {
			if ferr := fn(Entry{Path: current.path, Kind: KindDir, DirEntry: current.entry, Err: err}); ferr != nil && !errors.Is(ferr, fs.SkipDir) {
				return ferr
			}
		}
		for _, child := range entries {
			path := filepath.Join(current.path, child.Name())
			if w.excluded(path, child) {
				continue
			}
			stack = append(stack, item{path: path, entry: child})
		}
	}
	return nil
}
