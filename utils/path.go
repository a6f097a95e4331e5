package utils

import (
	"path/filepath"
	"slices"
	"strings"
)

// PathGuard answers containment queries against a fixed set of roots. Roots
// are kept both as given and with symlinks resolved, so paths of files that
// no longer exist still match lexically.
type PathGuard struct {
	roots []string
}

func NewPathGuard(roots []string) *PathGuard {
	g := &PathGuard{roots: make([]string, 0, 2*len(roots))}
	for _, root := range roots {
		for _, form := range forms(root) {
			if !slices.Contains(g.roots, form) {
				g.roots = append(g.roots, form)
			}
		}
	}
	return g
}

// Contains reports whether path is one of the roots or lies beneath one.
func (g *PathGuard) Contains(path string) bool {
	for _, candidate := range forms(path) {
		for _, root := range g.roots {
			rel, err := filepath.Rel(root, candidate)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}

// forms returns the absolute lexical path and, when it exists, the absolute
// symlink-resolved path.
func forms(path string) []string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil
	}
	out := []string{abs}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil && resolved != abs {
		out = append(out, resolved)
	}
	return out
}
