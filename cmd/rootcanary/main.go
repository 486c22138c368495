// Package main implements the rootcanary daemon binary. It runs the
// continuous consistency check loop with health, metrics, and gRPC health
// listeners until signalled or the iteration budget is exhausted.
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

var (
	version = "dev"
	commit  = "unknown"
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
		interval       time.Duration
		sampleSize     int
		mode           string
		budget         int
		dryRun         bool
		healthAddr     string
		metricsAddr    string
		showVersion    bool
		showHelp       bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&datastack, "datastack", "", "Datastack to validate")
	flag.StringVar(&resolverAddr, "resolver", "", "Base URL of the graph/materialization service")
	flag.StringVar(&connectionBase, "connection-base", "", "Annotation store DSN base")
	flag.StringVar(&driver, "driver", "", "Annotation store driver: pgx, sqlite3")
	flag.DurationVar(&interval, "interval", 0, "Delay between check iterations")
	flag.IntVar(&sampleSize, "sample-size", 0, "Rows sampled per table per iteration")
	flag.StringVar(&mode, "mode", "", "Sampling mode: offset, native")
	flag.IntVar(&budget, "budget", -1, "Stop after N iterations (0 runs unbounded)")
	flag.BoolVar(&dryRun, "dry-run", false, "Log alerts instead of posting to Slack")
	flag.StringVar(&healthAddr, "health-addr", "", "HTTP health listener address")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listener address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rootcanary - continuous root id consistency canary\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rootcanary [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rootcanary --datastack minnie65 --resolver https://cave.example.org --connection-base postgres://canary@db:5432\n")
		fmt.Fprintf(os.Stderr, "  rootcanary --config /etc/rootcanary/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  rootcanary --config config.yaml --budget 3 --dry-run\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_DATASTACK              Datastack to validate\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_SERVER_ADDRESS         Resolver service base URL\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_AUTH_TOKEN             Resolver bearer token\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_STORE_CONNECTION_BASE  Annotation store DSN base\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_SLACK_TOKEN            Slack bot token for alerts\n")
		fmt.Fprintf(os.Stderr, "  ROOTCANARY_SLACK_CHANNEL          Slack channel id for alerts\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("rootcanary version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, datastack, resolverAddr, connectionBase, driver, mode,
		interval, sampleSize, budget, dryRun, healthAddr, metricsAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Stop error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers configuration: defaults, file, environment, flags.
func loadConfig(configFile, datastack, resolverAddr, connectionBase, driver, mode string,
	interval time.Duration, sampleSize, budget int, dryRun bool,
	healthAddr, metricsAddr string) (*config.Config, error) {

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
	if interval > 0 {
		cfg.Canary.CheckInterval = interval
	}
	if sampleSize > 0 {
		cfg.Canary.SampleSize = sampleSize
	}
	if mode != "" {
		cfg.Canary.SamplingMode = config.SamplingMode(mode)
	}
	if budget >= 0 {
		cfg.Canary.IterationBudget = budget
	}
	if dryRun {
		cfg.Notify.DryRun = true
	}
	if healthAddr != "" {
		cfg.Server.HealthAddr = healthAddr
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with a configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      ROOTCANARY                           ║")
	log.Printf("║        Continuous Root Id Consistency Validation          ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Datastack:      %s", cfg.Datastack)
	log.Printf("  Resolver:       %s", cfg.Resolver.ServerAddress)
	log.Printf("  Store driver:   %s", cfg.Store.Driver)
	log.Printf("  Sampling:       %s, %d rows/table", cfg.Canary.SamplingMode, cfg.Canary.SampleSize)
	log.Printf("  Check interval: %s", cfg.Canary.CheckInterval)
	if cfg.Canary.IterationBudget > 0 {
		log.Printf("  Budget:         %d iterations", cfg.Canary.IterationBudget)
	}
	if cfg.Notify.DryRun {
		log.Printf("  Alerts:         dry run (log only)")
	} else {
		log.Printf("  Alerts:         slack channel %s", cfg.Notify.SlackChannel)
	}
	if cfg.Archive.Enabled {
		log.Printf("  Archive:        %s %s", cfg.Archive.Backend, cfg.Archive.Bucket)
	}
	log.Printf("")
}
