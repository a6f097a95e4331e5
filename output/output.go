package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"rescan/scanner"
	"rescan/systeminfo"
)

const SchemaVersion = "1"

type Metrics struct {
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	Root             string `json:"root"`
	Predicate        string `json:"predicate"`
	FilesScanned     int64  `json:"files_scanned"`
	PermissionDenied int64  `json:"permission_denied"`
	OtherErrors      int64  `json:"other_errors"`
	CacheHits        int64  `json:"cache_hits"`
	Refreshed        int64  `json:"refreshed"`
	Added            int64  `json:"added"`
	Pruned           int64  `json:"pruned"`
	Matches          int    `json:"matches"`
	MatchedBytes     int64  `json:"matched_bytes"`
	CacheFile        string `json:"cache_file,omitempty"`
	CacheRecords     int    `json:"cache_records"`
	Partial          bool   `json:"partial,omitempty"`

	System *systeminfo.SystemInfo `json:"system,omitempty"`
}

// NewMetrics summarizes res for reporting.
func NewMetrics(res scanner.Result, start, end time.Time) Metrics {
	return Metrics{
		StartTime:        start.UTC().Format(time.RFC3339),
		EndTime:          end.UTC().Format(time.RFC3339),
		Root:             res.Root,
		Predicate:        res.Predicate,
		FilesScanned:     res.Counters.Scanned,
		PermissionDenied: res.Counters.PermissionDenied,
		OtherErrors:      res.Counters.OtherErrors,
		CacheHits:        res.Counters.CacheHits,
		Refreshed:        res.Counters.Refreshed,
		Added:            res.Counters.Added,
		Pruned:           res.Counters.Pruned,
		Matches:          len(res.Matches),
		MatchedBytes:     res.TotalBytes(),
	}
}

type matchRecord struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified,omitempty"`
}

func newMatchRecord(m scanner.Match) matchRecord {
	rec := matchRecord{Path: m.Path, Name: filepath.Base(m.Path), Size: m.Size}
	if !m.ModTime.IsZero() {
		rec.Modified = m.ModTime.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

// Writer streams matches to a JSON or CSV file. The run metrics are written
// last, when the writer is closed.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	csvw    *csv.Writer
	mu      sync.Mutex
	first   bool
	metrics *Metrics
	format  string
}

func New(path, format string, m *Metrics) (*Writer, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		file:    f,
		buf:     bufio.NewWriterSize(f, 256*1024),
		first:   true,
		metrics: m,
		format:  format,
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if w.format == "csv" {
		w.csvw = csv.NewWriter(w.buf)
		if err := w.csvw.Write([]string{"record_type", "schema_version", "path", "name", "size", "modified", "metrics"}); err != nil {
			return err
		}
		w.csvw.Flush()
		return w.csvw.Error()
	}
	_, err := fmt.Fprintf(w.buf, "{\n  \"schema_version\": %q,\n  \"matches\": [\n", SchemaVersion)
	return err
}

// WriteMatch appends one match. It is safe for concurrent use.
func (w *Writer) WriteMatch(m scanner.Match) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := newMatchRecord(m)
	if w.format == "csv" {
		w.csvw.Write([]string{"match", SchemaVersion, rec.Path, rec.Name, strconv.FormatInt(rec.Size, 10), rec.Modified, ""})
		w.csvw.Flush()
		return w.csvw.Error()
	}
	b, err := jsonMarshalIndent(rec, "    ", "  ")
	if err != nil {
		return err
	}
	if !w.first {
		w.buf.WriteString(",\n")
	}
	w.first = false
	w.buf.WriteString("    ")
	_, err = w.buf.Write(b)
	return err
}

// SetMetrics replaces the trailer written by Close.
func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = &m
}

// Close writes the metrics trailer, flushes and syncs the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.format == "csv" {
		if w.metrics != nil {
			w.csvw.Write([]string{"metrics", SchemaVersion, "", "", "", "", jsonString(w.metrics)})
		}
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			w.file.Close()
			return err
		}
	} else {
		w.buf.WriteString("\n  ]")
		if w.metrics != nil {
			if b, err := jsonMarshalIndent(w.metrics, "  ", "  "); err == nil {
				w.buf.WriteString(",\n  \"metrics\": ")
				w.buf.Write(b)
			}
		}
		w.buf.WriteString("\n}\n")
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// WriteResult exports every match of res, in path order, followed by m.
func WriteResult(path, format string, res scanner.Result, m Metrics) error {
	w, err := New(path, format, nil)
	if err != nil {
		return err
	}
	for _, match := range res.Sorted() {
		if err := w.WriteMatch(match); err != nil {
			w.Close()
			return err
		}
	}
	w.SetMetrics(m)
	return w.Close()
}

func jsonString(value interface{}) string {
	if value == nil {
		return ""
	}
	b, err := jsonMarshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
