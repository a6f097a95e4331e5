package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"

	"rescan/utils"
	"rescan/version"
)

const (
	defaultJSONCache   = ".rescan_cache.json"
	defaultSQLiteCache = ".rescan_cache.db"
)

type Config struct {
	Root                  string        `json:"path"`
	MinSize               string        `json:"min_size"`
	Name                  string        `json:"name"`
	Glob                  string        `json:"glob"`
	CacheFile             string        `json:"cache_file"`
	CacheFormat           string        `json:"cache_format"`
	PruneMissing          bool          `json:"prune_missing"`
	MtimeResolution       time.Duration `json:"mtime_resolution"`
	IncludePatterns       []string      `json:"include_patterns"`
	ExcludePatterns       []string      `json:"exclude_patterns"`
	ConcurrencyLevel      int           `json:"concurrency_level"`
	NiceLevel             string        `json:"nice_level"`
	MaxIOPerSecond        int           `json:"max_io_per_second"`
	AutoTune              bool          `json:"auto_tune"`
	AutoTuneInterval      time.Duration `json:"auto_tune_interval"`
	AutoTuneTargetCPU     float64       `json:"auto_tune_target_cpu"`
	Progress              bool          `json:"progress"`
	CollectSystemInfo     bool          `json:"collect_system_info"`
	OutputFileName        string        `json:"output_file_name"`
	OutputFormat          string        `json:"output_format"`
	LogLevel              string        `json:"log_level"`
	DiagSlowScanThreshold time.Duration `json:"diag_slow_scan_threshold"`
	DiagDir               string        `json:"diag_dir"`
	DiagGoroutineLeak     bool          `json:"diag_goroutine_leak"`
	TraceFile             string        `json:"trace_file"`
	TraceFlight           bool          `json:"trace_flight"`
	TraceFlightFile       string        `json:"trace_flight_file"`
	TraceFlightMaxBytes   uint64        `json:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration `json:"trace_flight_min_age"`
	ConfigFile            string        `json:"config_file"`
	MinSizeBytes          int64         `json:"-"`
	ConcurrencySet        bool          `json:"-"`
	MaxIOSet              bool          `json:"-"`
}

func defaults() *Config {
	return &Config{
		Root:              ".",
		CacheFormat:       "json",
		ConcurrencyLevel:  runtime.NumCPU(),
		NiceLevel:         "medium",
		CollectSystemInfo: true,
		AutoTuneInterval:  5 * time.Second,
		AutoTuneTargetCPU: 60,
		OutputFormat:      "json",
		LogLevel:          "info",
		DiagDir:           ".",
		TraceFile:         "trace.out",
		TraceFlightFile:   "trace-flight.out",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	path := flag.String("path", cfg.Root, fmt.Sprintf("Root directory to scan (default: %s).", cfg.Root))
	minSize := flag.String("min-size", "", "Match files of at least this size, e.g. 10MB or 4KB. Units are 1024-based.")
	name := flag.String("name", "", "Match files whose name equals this string.")
	glob := flag.String("glob", "", "Match file names against this glob pattern, e.g. *.log.")
	cacheFile := flag.String("cache-file", "", fmt.Sprintf("Metadata cache location (default: %s or %s).", defaultJSONCache, defaultSQLiteCache))
	cacheFormat := flag.String("cache-format", cfg.CacheFormat, fmt.Sprintf("Cache format: json or sqlite (default: %s).", cfg.CacheFormat))
	pruneMissing := flag.Bool("prune-missing", cfg.PruneMissing, "Drop cache records for files that no longer exist (default: false).")
	mtimeResolution := flag.Duration("mtime-resolution", cfg.MtimeResolution, "Modification time granularity used for cache comparisons (default: 0/exact).")
	includes := flag.String("include", "", "Comma-separated list of file patterns to consider (default: all files).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Number of metadata workers (default: %d).", cfg.ConcurrencyLevel))
	nice := flag.String("nice", cfg.NiceLevel, fmt.Sprintf("Nice level: high, medium, or low (default: %s).", cfg.NiceLevel))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum metadata reads per second (default: 0/unlimited).")
	autoTune := flag.Bool("auto-tune", cfg.AutoTune, fmt.Sprintf("Adjust the read rate to CPU load (default: %t).", cfg.AutoTune))
	autoTuneInterval := flag.Duration("auto-tune-interval", cfg.AutoTuneInterval, "Auto-tune interval (default: 5s).")
	autoTuneTargetCPU := flag.Float64("auto-tune-target-cpu", cfg.AutoTuneTargetCPU, "Auto-tune target CPU percent (default: 60).")
	progress := flag.Bool("progress", cfg.Progress, "Show a progress spinner on terminals (default: false).")
	collectSystemInfo := flag.Bool("collect-system-info", cfg.CollectSystemInfo, "Record host and volume details in the output file (default: true).")
	output := flag.String("output", "", "Write matches to this file (default: none).")
	format := flag.String("format", cfg.OutputFormat, fmt.Sprintf("Output file format: json or csv (default: %s).", cfg.OutputFormat))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	traceFile := flag.String("trace-file", cfg.TraceFile, fmt.Sprintf("Execution trace output for builds with the trace tag (default: %s).", cfg.TraceFile))
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("rescan version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.Root = *path
		case "min-size":
			cfg.MinSize = *minSize
		case "name":
			cfg.Name = *name
		case "glob":
			cfg.Glob = *glob
		case "cache-file":
			cfg.CacheFile = *cacheFile
		case "cache-format":
			cfg.CacheFormat = *cacheFormat
		case "prune-missing":
			cfg.PruneMissing = *pruneMissing
		case "mtime-resolution":
			cfg.MtimeResolution = *mtimeResolution
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = *nice
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
			cfg.MaxIOSet = true
		case "auto-tune":
			cfg.AutoTune = *autoTune
		case "auto-tune-interval":
			cfg.AutoTuneInterval = *autoTuneInterval
		case "auto-tune-target-cpu":
			cfg.AutoTuneTargetCPU = *autoTuneTargetCPU
		case "progress":
			cfg.Progress = *progress
		case "collect-system-info":
			cfg.CollectSystemInfo = *collectSystemInfo
		case "output":
			cfg.OutputFileName = *output
		case "format":
			cfg.OutputFormat = *format
		case "log-level":
			cfg.LogLevel = *logLevel
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "trace-file":
			cfg.TraceFile = *traceFile
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("rescan - incremental directory scanner")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rescan --path <dir> (--min-size <size> | --name <name> | --glob <pattern>) [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  rescan --path /var/log --min-size 100MB")
	fmt.Println("  rescan --path ~/src --name go.mod --cache-format sqlite")
	fmt.Println("  rescan --path /data --glob '*.parquet' --prune-missing --output matches.csv --format csv")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	if _, ok := raw["concurrency_level"]; ok {
		cfg.ConcurrencySet = true
	}
	if _, ok := raw["max_io_per_second"]; ok {
		cfg.MaxIOSet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// normalize canonicalizes paths and enums and derives the parsed size and the
// default cache location.
func (cfg *Config) normalize() error {
	cfg.CacheFormat = strings.ToLower(strings.TrimSpace(cfg.CacheFormat))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.NiceLevel = strings.ToLower(strings.TrimSpace(cfg.NiceLevel))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.CacheFormat == "" {
		cfg.CacheFormat = "json"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFile == "" {
		cfg.TraceFile = "trace.out"
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}

	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "."
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("invalid path %q: %v", cfg.Root, err)
	}
	cfg.Root = root

	if strings.TrimSpace(cfg.CacheFile) == "" {
		cfg.CacheFile = defaultJSONCache
		if cfg.CacheFormat == "sqlite" {
			cfg.CacheFile = defaultSQLiteCache
		}
	}
	cacheFile, err := filepath.Abs(cfg.CacheFile)
	if err != nil {
		return fmt.Errorf("invalid cache file %q: %v", cfg.CacheFile, err)
	}
	cfg.CacheFile = cacheFile

	if size := strings.TrimSpace(cfg.MinSize); size != "" {
		n, err := parseSize(size)
		if err != nil {
			return fmt.Errorf("invalid min size %q: %v", cfg.MinSize, err)
		}
		if n > uint64(1<<63-1) {
			return fmt.Errorf("min size %q is too large", cfg.MinSize)
		}
		cfg.MinSizeBytes = int64(n)
	}
	return nil
}

// HasMinSize reports whether a size threshold was configured.
func (cfg *Config) HasMinSize() bool {
	return strings.TrimSpace(cfg.MinSize) != ""
}

func (cfg *Config) validate() error {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return fmt.Errorf("path %s is not accessible: %v", cfg.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", cfg.Root)
	}

	predicates := 0
	if cfg.HasMinSize() {
		predicates++
	}
	if cfg.Name != "" {
		predicates++
	}
	if cfg.Glob != "" {
		predicates++
	}
	if predicates == 0 {
		return fmt.Errorf("one of --min-size, --name or --glob must be specified")
	}
	if predicates > 1 {
		return fmt.Errorf("only one of --min-size, --name or --glob may be specified")
	}
	if cfg.Glob != "" {
		if _, err := filepath.Match(cfg.Glob, ""); err != nil {
			return fmt.Errorf("invalid glob %q: %v", cfg.Glob, err)
		}
	}

	if err := utils.ValidatePatterns(cfg.IncludePatterns); err != nil {
		return fmt.Errorf("include: %v", err)
	}
	if err := utils.ValidatePatterns(cfg.ExcludePatterns); err != nil {
		return fmt.Errorf("exclude: %v", err)
	}

	if cfg.CacheFormat != "json" && cfg.CacheFormat != "sqlite" {
		return fmt.Errorf("invalid cache format: %s", cfg.CacheFormat)
	}
	if cfg.MtimeResolution < 0 {
		return fmt.Errorf("mtime-resolution must be zero or positive")
	}
	if cfg.OutputFormat != "json" && cfg.OutputFormat != "csv" {
		return fmt.Errorf("invalid output format: %s (json or csv)", cfg.OutputFormat)
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.AutoTune {
		if cfg.AutoTuneInterval <= 0 {
			return fmt.Errorf("auto-tune-interval must be positive")
		}
		if cfg.AutoTuneTargetCPU <= 0 || cfg.AutoTuneTargetCPU > 100 {
			return fmt.Errorf("auto-tune-target-cpu must be between 1 and 100")
		}
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

// binaryUnits maps the short size suffixes to 1024-based units, so 1KB is
// 1024 bytes rather than 1000.
var binaryUnits = map[string]string{
	"k": "KiB", "kb": "KiB",
	"m": "MiB", "mb": "MiB",
	"g": "GiB", "gb": "GiB",
	"t": "TiB", "tb": "TiB",
	"p": "PiB", "pb": "PiB",
}

func parseSize(input string) (uint64, error) {
	s := strings.TrimSpace(input)
	i := strings.LastIndexFunc(s, func(r rune) bool { return unicode.IsDigit(r) || r == '.' })
	number, unit := s[:i+1], strings.TrimSpace(s[i+1:])
	if binary, ok := binaryUnits[strings.ToLower(unit)]; ok {
		unit = binary
	}
	return humanize.ParseBytes(number + unit)
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
