// Package cache holds the per-file metadata that lets a scan skip files whose
// size and modification time have not changed since the previous run.
package cache

import "time"

// FileRecord is the last known state of a regular file, keyed by its
// absolute path. A zero ModTime means the filesystem did not report one.
type FileRecord struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// HasModTime reports whether the record carries a modification time.
func (r FileRecord) HasModTime() bool {
	return !r.ModTime.IsZero()
}
