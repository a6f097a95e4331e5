package cache

import (
	"errors"
	"fmt"
	"time"
)

const formatVersion = 1

// ErrCorrupt marks durable cache content that could not be decoded.
var ErrCorrupt = errors.New("corrupt cache")

type document struct {
	Version int          `json:"version"`
	Records []diskRecord `json:"records"`
}

// diskRecord stores the modification time as whole unix seconds plus the
// sub-second remainder so that nanosecond timestamps survive a round trip.
type diskRecord struct {
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	Modified      *int64 `json:"modified,omitzero"`
	ModifiedNanos int64  `json:"modified_nanos,omitzero"`
}

// Encode serializes records into the JSON cache document.
func Encode(records []FileRecord) ([]byte, error) {
	doc := document{
		Version: formatVersion,
		Records: make([]diskRecord, 0, len(records)),
	}
	for _, record := range records {
		rec := diskRecord{Path: record.Path, Size: record.Size}
		if record.HasModTime() {
			secs := record.ModTime.Unix()
			rec.Modified = &secs
			rec.ModifiedNanos = int64(record.ModTime.Nanosecond())
		}
		doc.Records = append(doc.Records, rec)
	}
	return jsonMarshal(doc)
}

// Decode parses a JSON cache document. Any structural problem is reported
// as ErrCorrupt.
func Decode(data []byte) ([]FileRecord, error) {
	var doc document
	if err := jsonUnmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	records := make([]FileRecord, 0, len(doc.Records))
	for i, rec := range doc.Records {
		if rec.Path == "" {
			return nil, fmt.Errorf("%w: record %d has no path", ErrCorrupt, i)
		}
		if rec.Size < 0 {
			return nil, fmt.Errorf("%w: record %s has negative size", ErrCorrupt, rec.Path)
		}
		if rec.ModifiedNanos < 0 || rec.ModifiedNanos >= int64(time.Second) {
			return nil, fmt.Errorf("%w: record %s has invalid nanoseconds", ErrCorrupt, rec.Path)
		}
		record := FileRecord{Path: rec.Path, Size: rec.Size}
		if rec.Modified != nil {
			record.ModTime = time.Unix(*rec.Modified, rec.ModifiedNanos)
		}
		records = append(records, record)
	}
	return records, nil
}
