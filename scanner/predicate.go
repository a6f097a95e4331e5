package scanner

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Predicate decides whether a file belongs in the scan result. It is fixed for
// the whole run and must be safe for concurrent use.
type Predicate interface {
	Match(name string, size int64) bool
	String() string
}

// SizeAtLeast matches files of at least the given number of bytes.
type SizeAtLeast int64

func (p SizeAtLeast) Match(_ string, size int64) bool { return size >= int64(p) }

func (p SizeAtLeast) String() string {
	return fmt.Sprintf("size >= %s", humanize.IBytes(uint64(max(int64(p), 0))))
}

// NameEquals matches files whose base name is exactly the given string.
type NameEquals string

func (p NameEquals) Match(name string, _ int64) bool { return name == string(p) }

func (p NameEquals) String() string { return fmt.Sprintf("name == %q", string(p)) }

// NameGlob matches base names against a filepath.Match pattern.
type NameGlob string

func (p NameGlob) Match(name string, _ int64) bool {
	ok, _ := filepath.Match(string(p), name)
	return ok
}

func (p NameGlob) String() string { return fmt.Sprintf("name ~ %q", string(p)) }

// NewPredicate builds the predicate for exactly one of the given criteria.
// minSize is ignored unless hasMinSize is set.
func NewPredicate(minSize int64, hasMinSize bool, name, glob string) (Predicate, error) {
	set := 0
	if hasMinSize {
		set++
	}
	if name != "" {
		set++
	}
	if glob != "" {
		set++
	}
	switch {
	case set == 0:
		return nil, errors.New("a predicate is required: min size, name or glob")
	case set > 1:
		return nil, errors.New("only one of min size, name or glob may be given")
	}

	switch {
	case hasMinSize:
		if minSize < 0 {
			return nil, fmt.Errorf("min size must be non-negative, got %d", minSize)
		}
		return SizeAtLeast(minSize), nil
	case name != "":
		return NameEquals(name), nil
	default:
		if _, err := filepath.Match(glob, ""); err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", glob, err)
		}
		return NameGlob(glob), nil
	}
}
