// Package diag watches a running scan and writes artifacts when it stops
// making progress.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"rescan/logger"
)

const artifactPrefix = "rescan-"

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

type Options struct {
	SlowScanThreshold time.Duration
	Dir               string
	// Label is recorded in every artifact, typically the scanned root.
	Label              string
	GoroutineLeak      bool
	ProgressCountFn    func() int64
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// Controller is a stall watchdog. It polls a progress counter and, when the
// counter has not moved for SlowScanThreshold, writes a JSON event, a
// goroutine dump and optionally a flight recorder window. Dumps repeat at
// most once per threshold while the stall lasts.
type Controller struct {
	opts Options

	mu             sync.Mutex
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time
	dumps          int

	stop context.CancelFunc
	done chan struct{}
}

func NewController(opts Options) *Controller {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.ProfileLookupFn == nil {
		opts.ProfileLookupFn = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Controller{opts: opts}
}

// Start begins polling until ctx ends or Close is called. It does nothing
// when no threshold or progress source is configured.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.opts.SlowScanThreshold <= 0 || c.opts.ProgressCountFn == nil || c.stop != nil {
		return
	}

	c.mu.Lock()
	c.lastProgress = c.opts.ProgressCountFn()
	c.lastProgressAt = c.opts.NowFn()
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	interval := min(max(c.opts.SlowScanThreshold/2, 250*time.Millisecond), 2*time.Second)
	ctx, c.stop = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runProbe(c.opts.NowFn())
			}
		}
	}()
}

// Close stops polling and, if requested, records a final goroutine profile
// so that leaked workers show up after the scan.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stop != nil {
		c.stop()
		<-c.done
		c.stop, c.done = nil, nil
	}
	if c.opts.GoroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

// Dumps returns how many stall events have been written.
func (c *Controller) Dumps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumps
}

func (c *Controller) runProbe(now time.Time) {
	if c == nil || c.opts.ProgressCountFn == nil || c.opts.SlowScanThreshold <= 0 {
		return
	}
	progress := c.opts.ProgressCountFn()
	threshold := c.opts.SlowScanThreshold

	c.mu.Lock()
	if progress != c.lastProgress || c.lastProgressAt.IsZero() {
		c.lastProgress = progress
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	due := stalledFor >= threshold && (c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= threshold)
	if due {
		c.lastDumpAt = now
		c.dumps++
	}
	c.mu.Unlock()

	if !due {
		return
	}
	logger.WithFields(map[string]interface{}{
		"files_scanned": progress,
		"stalled_for":   stalledFor.Round(time.Millisecond).String(),
	}).Warn("Scan progress stalled")
	if err := c.dumpStallArtifacts(now, progress, stalledFor); err != nil {
		logger.Warnf("Diagnostics slow-scan dump failed: %v", err)
	}
}

type stallEvent struct {
	Event         string `json:"event"`
	Timestamp     string `json:"timestamp"`
	Label         string `json:"label,omitempty"`
	FilesScanned  int64  `json:"files_scanned"`
	ThresholdMs   int64  `json:"threshold_ms"`
	StalledMs     int64  `json:"observed_stalled_ms"`
	GoroutineDump string `json:"goroutine_dump,omitempty"`
}

func (c *Controller) dumpStallArtifacts(now time.Time, progress int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(c.opts.Dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	event := stallEvent{
		Event:        "slow_scan_threshold_exceeded",
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Label:        c.opts.Label,
		FilesScanned: progress,
		ThresholdMs:  c.opts.SlowScanThreshold.Milliseconds(),
		StalledMs:    stalledFor.Milliseconds(),
	}
	if path, err := c.writeProfile("goroutine", 2); err == nil {
		event.GoroutineDump = filepath.Base(path)
	} else {
		logger.Debugf("Diagnostics goroutine dump skipped: %v", err)
	}

	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	eventPath := filepath.Join(c.opts.Dir, fmt.Sprintf("%sslow-scan-%s.json", artifactPrefix, ts))
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if c.opts.DumpFlightRecorder != nil {
		tracePath := filepath.Join(c.opts.Dir, fmt.Sprintf("%sflight-%s.out", artifactPrefix, ts))
		if err := c.opts.DumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	profile := c.opts.ProfileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.opts.Dir, 0755); err != nil {
		return "", err
	}
	ts := c.opts.NowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(c.opts.Dir, fmt.Sprintf("%s%s-profile-%s.pprof", artifactPrefix, name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
