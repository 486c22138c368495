// Package main implements rootcanary-check, a one-shot consistency check. It
// runs exactly one iteration against the current maximum materialization
// version and exits 0 when clean, 1 when drift was found, 2 on a fault.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/rootcanary/rootcanary/internal/app"
	"github.com/rootcanary/rootcanary/internal/config"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	var (
		configFile     string
		datastack      string
		resolverAddr   string
		connectionBase string
		driver         string
		sampleSize     int
		samplingMode   string
		notify         bool
		timeout        time.Duration
		verbose        bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&datastack, "datastack", "", "Datastack to validate")
	flag.StringVar(&resolverAddr, "resolver", "", "Base URL of the graph/materialization service")
	flag.StringVar(&connectionBase, "connection-base", "", "Annotation store DSN base")
	flag.StringVar(&driver, "driver", "", "Annotation store driver: pgx, sqlite3")
	flag.IntVar(&sampleSize, "sample-size", 0, "Rows sampled per table")
	flag.StringVar(&samplingMode, "sampling-mode", "", "Sampling strategy: offset, native")
	flag.BoolVar(&notify, "notify", false, "Deliver alerts for findings (default logs them)")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall check timeout")
	flag.BoolVar(&verbose, "v", false, "Print per-table results")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rootcanary-check - one-shot root id consistency check\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rootcanary-check [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  all sampled rows consistent\n")
		fmt.Fprintf(os.Stderr, "  1  drift or unverified pairs found\n")
		fmt.Fprintf(os.Stderr, "  2  the check itself failed\n")
	}
	flag.Parse()

	cfg, err := loadConfig(configFile, datastack, resolverAddr, connectionBase, driver, sampleSize, samplingMode, notify)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	daemon, err := app.BuildDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build checker: %v", err)
	}

	summary := daemon.RunOnce(ctx)

	if summary.Fault != "" {
		fmt.Fprintf(os.Stderr, "check failed: %s\n", summary.Fault)
		os.Exit(2)
	}

	fmt.Printf("version %d: %d tables checked, %d skipped, %d rows mismatched, %d table faults (%s)\n",
		summary.Version, summary.Tables, summary.Skipped, summary.MismatchRows,
		summary.TableFaults, summary.Duration.Round(time.Millisecond))

	if verbose {
		for _, ts := range daemon.Stats().Snapshot() {
			line := fmt.Sprintf("  %-30s checks=%d mismatch_rows=%d pair_errors=%d",
				ts.Table, ts.Checks, ts.MismatchRows, ts.PairErrors)
			if ts.LastError != "" {
				line += fmt.Sprintf(" error=%q", ts.LastError)
			}
			fmt.Println(line)
		}
	}

	if summary.Findings > 0 || summary.TableFaults > 0 {
		os.Exit(1)
	}
}

// loadConfig layers configuration the same way the daemon does, with one-shot
// defaults: a single iteration and log-only alerts unless -notify is set.
func loadConfig(configFile, datastack, resolverAddr, connectionBase, driver string,
	sampleSize int, samplingMode string, notify bool) (*config.Config, error) {

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if datastack != "" {
		cfg.Datastack = datastack
	}
	if resolverAddr != "" {
		cfg.Resolver.ServerAddress = resolverAddr
	}
	if connectionBase != "" {
		cfg.Store.ConnectionBase = connectionBase
	}
	if driver != "" {
		cfg.Store.Driver = driver
	}
	if sampleSize > 0 {
		cfg.Canary.SampleSize = sampleSize
	}
	if samplingMode != "" {
		cfg.Canary.SamplingMode = config.SamplingMode(samplingMode)
	}
	if !notify {
		cfg.Notify.DryRun = true
	}

	cfg.Canary.IterationBudget = 1
	return cfg, nil
}
