package cache

import "time"

// Oracle decides whether a cached record still describes a file.
//
// Resolution is the modification-time granularity of the filesystem being
// scanned. Both instants are truncated to it before comparing; zero compares
// at full nanosecond precision.
type Oracle struct {
	Resolution time.Duration
}

// IsFresh reports whether cached matches the live size and modification
// time. A missing live time only matches a record that also has none.
func (o Oracle) IsFresh(cached FileRecord, liveSize int64, liveMod time.Time) bool {
	if cached.Size != liveSize {
		return false
	}
	if liveMod.IsZero() || cached.ModTime.IsZero() {
		return liveMod.IsZero() && cached.ModTime.IsZero()
	}
	if o.Resolution > 0 {
		return cached.ModTime.Truncate(o.Resolution).Equal(liveMod.Truncate(o.Resolution))
	}
	return cached.ModTime.Equal(liveMod)
}

// IsFresh applies an exact-resolution Oracle.
func IsFresh(cached FileRecord, liveSize int64, liveMod time.Time) bool {
	return Oracle{}.IsFresh(cached, liveSize, liveMod)
}
