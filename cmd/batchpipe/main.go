// Package main provides the CLI entry point for the pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/batchpipe/internal/backpressure"
	"github.com/example/batchpipe/internal/batcher"
	"github.com/example/batchpipe/internal/config"
	"github.com/example/batchpipe/internal/conpool"
	"github.com/example/batchpipe/internal/metrics"
	"github.com/example/batchpipe/internal/ratectrl"
	"github.com/example/batchpipe/internal/runner"
	"github.com/example/batchpipe/internal/simbackend"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	configPath  string
	duration    time.Duration
	seed        uint64
	verbose     bool
	validate    bool
	showVersion bool
	promPort    int
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&configPath, "c", "", "Path to the YAML configuration file (shorthand)")

	flag.DurationVar(&duration, "duration", 0, "Override run duration (e.g., 5m, 1h)")
	flag.DurationVar(&duration, "d", 0, "Override run duration (shorthand)")
	flag.Uint64Var(&seed, "seed", 0, "Override generator seed")

	flag.BoolVar(&verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&verbose, "v", false, "Enable verbose output (shorthand)")
	flag.BoolVar(&validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.IntVar(&promPort, "prometheus", 0, "Enable Prometheus metrics endpoint on the given port (e.g., 9090)")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `batchpipe - adaptive micro-batching pipeline

USAGE:
    batchpipe [-config <path>] [options]

DESCRIPTION:
    Runs an adaptive-rate pipeline that batches generated records toward a
    simulated downstream backend. A rate controller ramps the issue rate up
    and down against the observed failure rate and backpressure level.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file
                          (defaults are used when omitted)

OVERRIDE OPTIONS:
    -duration, -d <dur>   Override run duration (e.g., "5m", "1h30m")
    -seed <n>             Override the record generator seed

UTILITY OPTIONS:
    -validate             Validate configuration and exit
    -verbose, -v          Enable verbose output
    -version              Show version information
    -prometheus <port>    Enable Prometheus metrics endpoint
    -help, -h             Show this help message

EXAMPLES:
    # Run for one minute with defaults
    batchpipe -duration 1m

    # Run a configured profile with metrics exposed
    batchpipe -config configs/steady.yaml -prometheus 9090

    # Validate a configuration
    batchpipe -config configs/steady.yaml -validate
`)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	applyOverrides(cfg)

	if validate {
		name := cfg.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("Configuration %s is valid.\n", name)
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("batchpipe version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return config.LoadFromFile(absPath)
}

func applyOverrides(cfg *config.Config) {
	if duration > 0 {
		cfg.Run.Duration = duration
		if verbose {
			fmt.Printf("Override: duration = %v\n", duration)
		}
	}
	if seed != 0 {
		cfg.Run.Seed = seed
		if verbose {
			fmt.Printf("Override: seed = %d\n", seed)
		}
	}
	if promPort > 0 {
		cfg.Prometheus.Enabled = true
		cfg.Prometheus.Port = promPort
		if verbose {
			fmt.Printf("Override: prometheus port = %d\n", promPort)
		}
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return logCfg.Build()
}

func run(cfg *config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := conpool.New(conpool.Config{Capacity: cfg.Pool.Capacity})
	if err != nil {
		return err
	}
	defer pool.Close()

	backend, err := simbackend.New(pool, cfg.Backend)
	if err != nil {
		return err
	}

	collector := metrics.NewSlidingWindowCollector(cfg.Metrics)

	mb, err := batcher.New(backend, cfg.Batcher, logger.Named("batcher"))
	if err != nil {
		return err
	}

	pressure := backpressure.NewAggregator(
		backpressure.NewQueueDepthSource(mb, cfg.Batcher.MaxQueueSize),
		backpressure.NewPoolOccupancySource(pool),
	)

	ctrl, err := ratectrl.New(collector, pressure, cfg.Controller, logger.Named("ratectrl"))
	if err != nil {
		return err
	}

	var exporter *metrics.PrometheusExporter
	if cfg.Prometheus.Enabled {
		exporter = metrics.NewPrometheusExporter(cfg.Prometheus)
		if err := exporter.Start(); err != nil {
			return err
		}
		fmt.Printf("Prometheus metrics at http://%s%s\n", exporter.Addr(), cfg.Prometheus.Path)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = exporter.Stop(shutdownCtx)
		}()
	}

	driver, err := runner.New(mb, ctrl, collector, cfg.Run, runner.Options{
		Pressure: pressure,
		Pool:     pool,
		Exporter: exporter,
		Logger:   logger.Named("runner"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Running for %v at %.0f initial tps (ctrl-c to stop early)...\n",
		cfg.Run.Duration, cfg.Controller.InitialTPS)

	result, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	runner.WriteSummary(os.Stdout, result)
	return nil
}
