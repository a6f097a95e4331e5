package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rescan/cache"
	"rescan/config"
	"rescan/diag"
	"rescan/logger"
	"rescan/output"
	"rescan/scanner"
	"rescan/systeminfo"
	"rescan/tracing"
)

// commitTimeout bounds the final cache write, which must still happen after
// the scan context has been cancelled.
const commitTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	if err := tracing.Start(cfg.TraceFile); err != nil {
		logger.Warnf("Failed to start trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		logger.Errorf("%v", err)
		stop()
		tracing.Stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	gateway, err := cache.Open(cfg.CacheFormat, cfg.CacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer gateway.Close()
	store := cache.LoadOrEmpty(ctx, gateway)

	opts, err := scanner.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	engine, err := scanner.New(store, opts)
	if err != nil {
		return err
	}

	var dumpFlight func(string) error
	if cfg.TraceFlight {
		dumpFlight = tracing.WriteFlightRecorder
	}
	watchdog := diag.NewController(diag.Options{
		SlowScanThreshold:  cfg.DiagSlowScanThreshold,
		Dir:                cfg.DiagDir,
		Label:              cfg.Root,
		GoroutineLeak:      cfg.DiagGoroutineLeak,
		ProgressCountFn:    engine.Progress,
		DumpFlightRecorder: dumpFlight,
	})

	logger.WithFields(map[string]interface{}{
		"root":      cfg.Root,
		"predicate": opts.Predicate.String(),
		"cache":     gateway.Location(),
		"records":   store.Len(),
		"workers":   opts.Concurrency,
	}).Info("Starting scan")

	start := time.Now()
	watchdog.Start(ctx)
	res, scanErr := engine.Run(ctx)
	watchdog.Close()
	end := time.Now()

	partial := scanErr != nil
	if partial {
		logger.Warnf("Scan interrupted (%v); keeping partial results", scanErr)
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	if err := gateway.Commit(commitCtx, store); err != nil {
		logger.Warnf("Failed to persist cache %s: %v", gateway.Location(), err)
	} else {
		logger.WithField("records", store.Len()).Debugf("Committed cache %s", gateway.Location())
	}
	cancel()

	metrics := output.NewMetrics(res, start, end)
	metrics.CacheFile = gateway.Location()
	metrics.CacheRecords = store.Len()
	metrics.Partial = partial
	if cfg.CollectSystemInfo {
		metrics.System = systeminfo.GetSystemInfo(context.WithoutCancel(ctx), cfg.Root)
	}

	output.PrintSummary(stdout, res, metrics)

	if cfg.OutputFileName != "" {
		if err := output.WriteResult(cfg.OutputFileName, cfg.OutputFormat, res, metrics); err != nil {
			return fmt.Errorf("write output %s: %w", cfg.OutputFileName, err)
		}
		logger.Infof("Wrote %d matches to %s", len(res.Matches), cfg.OutputFileName)
	}
	return nil
}
