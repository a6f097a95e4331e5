package scanner

import (
	"slices"
	"strings"
	"time"
)

// Match is a file that satisfied the predicate.
type Match struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Counters tallies one run. Scanned, PermissionDenied and OtherErrors are the
// primary figures; the rest describe how the cache was used.
type Counters struct {
	Scanned          int64 `json:"scanned"`
	PermissionDenied int64 `json:"permission_denied"`
	OtherErrors      int64 `json:"other_errors"`
	CacheHits        int64 `json:"cache_hits"`
	Refreshed        int64 `json:"refreshed"`
	Added            int64 `json:"added"`
	Pruned           int64 `json:"pruned"`
}

// Result is the outcome of one scan. Matches are in no particular order.
type Result struct {
	Root      string
	Predicate string
	Matches   []Match
	Counters  Counters
	Elapsed   time.Duration
}

// Sorted returns the matches ordered by path.
func (r Result) Sorted() []Match {
	out := slices.Clone(r.Matches)
	slices.SortFunc(out, func(a, b Match) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

// TotalBytes sums the sizes of all matches.
func (r Result) TotalBytes() int64 {
	var total int64
	for _, m := range r.Matches {
		total += m.Size
	}
	return total
}
