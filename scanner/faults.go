package scanner

import (
	"errors"
	"io/fs"
)

// errNotRegular reports a path that was enumerated as a regular file but no
// longer is one when its metadata is read.
var errNotRegular = errors.New("not a regular file")

type faultKind int

const (
	faultPermission faultKind = iota
	faultOther
)

func (k faultKind) String() string {
	if k == faultPermission {
		return "permission"
	}
	return "other"
}

func classify(err error) faultKind {
	if errors.Is(err, fs.ErrPermission) {
		return faultPermission
	}
	return faultOther
}
