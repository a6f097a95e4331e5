package output

import (
	"testing"
	"time"

	"rescan/scanner"
)

func BenchmarkMarshalMatch(b *testing.B) {
	rec := newMatchRecord(scanner.Match{
		Path:    "/tmp/example/deeply/nested/example.txt",
		Size:    12345,
		ModTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	b.ReportAllocs()
	for b.Loop() {
		if _, err := jsonMarshalIndent(rec, "    ", "  "); err != nil {
			b.Fatal(err)
		}
	}
}
