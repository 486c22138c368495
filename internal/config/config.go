// Package config provides unified configuration for the canary daemon and CLIs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SamplingMode selects how rows are drawn from a table. The mode is an
// explicit operator choice; it is never inferred from the store driver.
type SamplingMode string

const (
	// SamplingOffset reads N contiguous rows from a clamped random offset.
	SamplingOffset SamplingMode = "offset"

	// SamplingNative uses the store's server-side statistical sampling.
	SamplingNative SamplingMode = "native"
)

// Config holds the full configuration for the canary.
type Config struct {
	// Datastack is the datastack name the canary validates
	Datastack string `json:"datastack" yaml:"datastack"`

	// DataDir is the base directory for local state (local archive backend)
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Resolver configures the graph/materialization service client
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`

	// Store configures annotation-store access
	Store StoreConfig `json:"store" yaml:"store"`

	// Canary configures the scheduling loop and sampling
	Canary CanaryConfig `json:"canary" yaml:"canary"`

	// Notify configures alert delivery
	Notify NotifyConfig `json:"notify" yaml:"notify"`

	// Archive configures drift-report artifact storage
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Server configures health and metrics listeners
	Server ServerConfig `json:"server" yaml:"server"`
}

// ResolverConfig holds graph/materialization service client configuration.
type ResolverConfig struct {
	// ServerAddress is the base URL of the resolver service
	ServerAddress string `json:"server_address" yaml:"server_address"`

	// AuthToken is an optional bearer token
	AuthToken string `json:"auth_token" yaml:"auth_token"`

	// Timeout is the per-request HTTP timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries is the retry budget for idempotent requests
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// StoreConfig holds annotation-store configuration.
type StoreConfig struct {
	// ConnectionBase is the DSN base; the version-scoped database name is appended
	ConnectionBase string `json:"connection_base" yaml:"connection_base"`

	// Driver is the database/sql driver: pgx, sqlite3
	Driver string `json:"driver" yaml:"driver"`

	// IDRangeThreshold is the row count beyond which offset reads switch to
	// an explicit id-range predicate
	IDRangeThreshold int64 `json:"id_range_threshold" yaml:"id_range_threshold"`
}

// CanaryConfig holds scheduling-loop and sampling configuration.
type CanaryConfig struct {
	// CheckInterval is the fixed delay between iterations
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// SampleSize is the maximum rows drawn per table per iteration
	SampleSize int `json:"sample_size" yaml:"sample_size"`

	// SamplingMode selects the sampling strategy: offset, native
	SamplingMode SamplingMode `json:"sampling_mode" yaml:"sampling_mode"`

	// TableConcurrency bounds the per-iteration table fan-out
	TableConcurrency int `json:"table_concurrency" yaml:"table_concurrency"`

	// IterationBudget stops the loop after N iterations; 0 runs unbounded
	IterationBudget int `json:"iteration_budget" yaml:"iteration_budget"`

	// SupervoxelSuffix names supervoxel-id columns
	SupervoxelSuffix string `json:"supervoxel_suffix" yaml:"supervoxel_suffix"`

	// RootSuffix names the paired root-id columns
	RootSuffix string `json:"root_suffix" yaml:"root_suffix"`
}

// NotifyConfig holds alert delivery configuration.
type NotifyConfig struct {
	// SlackToken authenticates against the Slack Web API
	SlackToken string `json:"slack_token" yaml:"slack_token"`

	// SlackChannel is the channel id alerts are posted to
	SlackChannel string `json:"slack_channel" yaml:"slack_channel"`

	// DryRun routes alerts to the process log instead of Slack
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// ArchiveConfig holds drift-report artifact storage configuration.
type ArchiveConfig struct {
	// Enabled turns report archival on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Backend is the artifact store: local, s3
	Backend string `json:"backend" yaml:"backend"`

	// Bucket is the S3 bucket (s3 backend); local backend stores under DataDir
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is the object key prefix for reports
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the AWS region (s3 backend)
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// ServerConfig holds health and metrics listener configuration.
type ServerConfig struct {
	// HealthAddr is the HTTP health listener address; empty disables
	HealthAddr string `json:"health_addr" yaml:"health_addr"`

	// MetricsAddr is the Prometheus listener address; empty disables
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// GRPCHealthAddr is the gRPC health service address; empty disables
	GRPCHealthAddr string `json:"grpc_health_addr" yaml:"grpc_health_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/rootcanary",
		Resolver: ResolverConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Store: StoreConfig{
			Driver:           "pgx",
			IDRangeThreshold: 10_000_000,
		},
		Canary: CanaryConfig{
			CheckInterval:    5 * time.Minute,
			SampleSize:       100,
			SamplingMode:     SamplingOffset,
			TableConcurrency: 4,
			IterationBudget:  0,
			SupervoxelSuffix: "_supervoxel_id",
			RootSuffix:       "_root_id",
		},
		Notify: NotifyConfig{
			DryRun: false,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Backend: "local",
			Prefix:  "reports",
		},
		Server: ServerConfig{
			HealthAddr:     ":8080",
			MetricsAddr:    ":9090",
			GRPCHealthAddr: "",
		},
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/rootcanary"
	}
	if c.Archive.Backend == "local" && c.Archive.Bucket == "" {
		c.Archive.Bucket = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Datastack == "" {
		return fmt.Errorf("datastack is required")
	}
	if c.Resolver.ServerAddress == "" {
		return fmt.Errorf("resolver.server_address is required")
	}
	if c.Store.ConnectionBase == "" {
		return fmt.Errorf("store.connection_base is required")
	}

	switch c.Store.Driver {
	case "pgx", "sqlite3":
		// Supported drivers
	default:
		return fmt.Errorf("invalid store driver: %s (must be pgx or sqlite3)", c.Store.Driver)
	}

	switch c.Canary.SamplingMode {
	case SamplingOffset, SamplingNative:
		// Valid modes
	default:
		return fmt.Errorf("invalid sampling_mode: %s (must be offset or native)", c.Canary.SamplingMode)
	}
	if c.Canary.SamplingMode == SamplingNative && c.Store.Driver == "sqlite3" {
		return fmt.Errorf("sampling_mode native requires the pgx driver; sqlite3 has no TABLESAMPLE support")
	}

	if c.Canary.SampleSize <= 0 {
		return fmt.Errorf("canary.sample_size must be positive, got %d", c.Canary.SampleSize)
	}
	if c.Canary.CheckInterval <= 0 {
		return fmt.Errorf("canary.check_interval must be positive, got %s", c.Canary.CheckInterval)
	}
	if c.Canary.TableConcurrency < 1 {
		return fmt.Errorf("canary.table_concurrency must be at least 1, got %d", c.Canary.TableConcurrency)
	}
	if c.Canary.IterationBudget < 0 {
		return fmt.Errorf("canary.iteration_budget must not be negative, got %d", c.Canary.IterationBudget)
	}
	if c.Canary.SupervoxelSuffix == "" || c.Canary.RootSuffix == "" {
		return fmt.Errorf("canary.supervoxel_suffix and canary.root_suffix are required")
	}

	if !c.Notify.DryRun {
		if c.Notify.SlackToken == "" {
			return fmt.Errorf("notify.slack_token is required unless notify.dry_run is set")
		}
		if c.Notify.SlackChannel == "" {
			return fmt.Errorf("notify.slack_channel is required unless notify.dry_run is set")
		}
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local", "s3":
			// Supported backends
		default:
			return fmt.Errorf("invalid archive backend: %s (must be local or s3)", c.Archive.Backend)
		}
		if c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive backend is s3")
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ROOTCANARY_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ROOTCANARY_DATASTACK"); v != "" {
		cfg.Datastack = v
	}
	if v := os.Getenv("ROOTCANARY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Resolver configuration
	if v := os.Getenv("ROOTCANARY_SERVER_ADDRESS"); v != "" {
		cfg.Resolver.ServerAddress = v
	}
	if v := os.Getenv("ROOTCANARY_AUTH_TOKEN"); v != "" {
		cfg.Resolver.AuthToken = v
	}
	if v := os.Getenv("ROOTCANARY_RESOLVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.Timeout = d
		}
	}

	// Store configuration
	if v := os.Getenv("ROOTCANARY_STORE_CONNECTION_BASE"); v != "" {
		cfg.Store.ConnectionBase = v
	}
	if v := os.Getenv("ROOTCANARY_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}

	// Canary configuration
	if v := os.Getenv("ROOTCANARY_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Canary.CheckInterval = d
		}
	}
	if v := os.Getenv("ROOTCANARY_SAMPLE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Canary.SampleSize)
	}
	if v := os.Getenv("ROOTCANARY_SAMPLING_MODE"); v != "" {
		cfg.Canary.SamplingMode = SamplingMode(v)
	}
	if v := os.Getenv("ROOTCANARY_TABLE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Canary.TableConcurrency)
	}
	if v := os.Getenv("ROOTCANARY_ITERATION_BUDGET"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Canary.IterationBudget)
	}

	// Notify configuration
	if v := os.Getenv("ROOTCANARY_SLACK_TOKEN"); v != "" {
		cfg.Notify.SlackToken = v
	}
	if v := os.Getenv("ROOTCANARY_SLACK_CHANNEL"); v != "" {
		cfg.Notify.SlackChannel = v
	}
	if v := os.Getenv("ROOTCANARY_NOTIFY_DRY_RUN"); v != "" {
		cfg.Notify.DryRun = v == "true" || v == "1"
	}

	// Archive configuration
	if v := os.Getenv("ROOTCANARY_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ROOTCANARY_ARCHIVE_BACKEND"); v != "" {
		cfg.Archive.Backend = v
	}
	if v := os.Getenv("ROOTCANARY_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("ROOTCANARY_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("ROOTCANARY_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}

	// Server configuration
	if v := os.Getenv("ROOTCANARY_HEALTH_ADDR"); v != "" {
		cfg.Server.HealthAddr = v
	}
	if v := os.Getenv("ROOTCANARY_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("ROOTCANARY_GRPC_HEALTH_ADDR"); v != "" {
		cfg.Server.GRPCHealthAddr = v
	}
}

// EnsureDirectories creates directories required by the local archive backend.
func (c *Config) EnsureDirectories() error {
	if !c.Archive.Enabled || c.Archive.Backend != "local" {
		return nil
	}
	for _, dir := range []string{c.DataDir, c.Archive.Bucket} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
