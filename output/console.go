package output

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"rescan/scanner"
)

var (
	headingColor = color.New(color.Bold)
	pathColor    = color.New(color.FgCyan)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed)
)

// PrintSummary renders the matches and counters of a run for a human.
// Colour is dropped automatically when out is not a terminal.
func PrintSummary(out io.Writer, res scanner.Result, m Metrics) {
	matches := res.Sorted()
	headingColor.Fprintf(out, "Matches for %s under %s\n", res.Predicate, res.Root)
	if len(matches) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, match := range matches {
		modified := "-"
		if !match.ModTime.IsZero() {
			modified = match.ModTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "  %10s  %s  ", humanize.IBytes(uint64(max(match.Size, 0))), modified)
		pathColor.Fprintln(out, match.Path)
	}

	fmt.Fprintln(out)
	okColor.Fprintf(out, "%s matched (%s)", humanize.Comma(int64(m.Matches)), humanize.IBytes(uint64(max(m.MatchedBytes, 0))))
	fmt.Fprintf(out, " of %s files scanned in %s\n", humanize.Comma(m.FilesScanned), res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "cache: %s hits, %s refreshed, %s added, %s pruned, %s records\n",
		humanize.Comma(m.CacheHits), humanize.Comma(m.Refreshed), humanize.Comma(m.Added),
		humanize.Comma(m.Pruned), humanize.Comma(int64(m.CacheRecords)))

	if m.System != nil && m.System.Volume != nil {
		v := m.System.Volume
		fmt.Fprintf(out, "volume: %s free of %s (%s) at %s\n",
			humanize.IBytes(v.FreeBytes), humanize.IBytes(v.TotalBytes), v.Fstype, v.Path)
	}

	errs := warnColor
	if m.PermissionDenied+m.OtherErrors == 0 {
		errs = okColor
	}
	errs.Fprintf(out, "errors: %d permission denied, %d other\n", m.PermissionDenied, m.OtherErrors)
	if m.Partial {
		errColor.Fprintln(out, "scan interrupted: results are partial")
	}
}
