// Package config provides unified configuration for the partplan server and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/partplan/partplan/pkg/types"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PARTPLAN"

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP      HTTPConfig     `json:"http" yaml:"http"`
	GRPC      GRPCConfig     `json:"grpc" yaml:"grpc"`
	Catalog   CatalogConfig  `json:"catalog" yaml:"catalog"`
	Snapshots SnapshotConfig `json:"snapshots" yaml:"snapshots"`
	Planner   PlannerConfig  `json:"planner" yaml:"planner"`
	Metrics   MetricsConfig  `json:"metrics" yaml:"metrics"`
	Log       LogConfig      `json:"log" yaml:"log"`
	Tables    []TableConfig  `json:"tables" yaml:"tables"`
	Shutdown  ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// CatalogConfig holds the scheme catalog location.
type CatalogConfig struct {
	// Path is the SQLite database file. Defaults to <data_dir>/catalog.db.
	Path string `json:"path" yaml:"path"`
}

// SnapshotConfig controls publishing of scheme versions to object storage.
type SnapshotConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix namespaces snapshot keys inside the bucket.
	Prefix string `json:"prefix" yaml:"prefix"`
}

// PlannerConfig tunes planning.
type PlannerConfig struct {
	// BinarySearchThreshold is the partition count above which candidates
	// are located by binary search.
	BinarySearchThreshold int `json:"binary_search_threshold" yaml:"binary_search_threshold"`

	// BatchConcurrency bounds parallel predicates in one batch request.
	BatchConcurrency int `json:"batch_concurrency" yaml:"batch_concurrency"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is console or json
	Format string `json:"format" yaml:"format"`
}

// TableConfig seeds a monthly-partitioned table when the catalog has no
// scheme for it yet.
type TableConfig struct {
	Name string `json:"name" yaml:"name"`

	// Prefix names partitions <prefix>_YYYY_MM. Defaults to "p".
	Prefix string `json:"prefix" yaml:"prefix"`

	From    types.Key `json:"from" yaml:"from"`
	Through types.Key `json:"through" yaml:"through"`

	// CatchAll names the trailing unbounded partition; empty for none.
	CatchAll string `json:"catch_all" yaml:"catch_all"`
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/partplan",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Snapshots: SnapshotConfig{
			Enabled: true,
			Type:    "local",
		},
		Planner: PlannerConfig{
			BinarySearchThreshold: 64,
			BatchConcurrency:      8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/partplan"
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}

	if c.Snapshots.Path == "" {
		c.Snapshots.Path = filepath.Join(c.DataDir, "snapshots")
	}

	for i := range c.Tables {
		if c.Tables[i].Prefix == "" {
			c.Tables[i].Prefix = "p"
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Snapshots.Type != "local" && c.Snapshots.Type != "s3" {
		return fmt.Errorf("invalid snapshots type: %s (must be local or s3)", c.Snapshots.Type)
	}

	if c.Snapshots.Type == "s3" && c.Snapshots.S3.Bucket == "" {
		return fmt.Errorf("snapshots.s3.bucket is required when snapshots type is s3")
	}

	if c.Planner.BatchConcurrency < 1 {
		return fmt.Errorf("planner.batch_concurrency must be at least 1, got %d", c.Planner.BatchConcurrency)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.Through < t.From {
			return fmt.Errorf("table %q: through %s is before from %s", t.Name, t.Through, t.From)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
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

// LoadDotEnv loads a .env file into the process environment. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance reading PARTPLAN_* environment
// variables, with nested keys separated by underscores
// (http.addr -> PARTPLAN_HTTP_ADDR).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadFromEnv overrides cfg with PARTPLAN_* environment variables.
func LoadFromEnv(cfg *Config) {
	Apply(NewViper(), cfg)
}

// Apply overrides cfg with every key set in v, whether from the environment
// or from bound command-line flags.
func Apply(v *viper.Viper, cfg *Config) {
	setString(v, "data_dir", &cfg.DataDir)

	setString(v, "http.addr", &cfg.HTTP.Addr)
	setDuration(v, "http.read_timeout", &cfg.HTTP.ReadTimeout)
	setDuration(v, "http.write_timeout", &cfg.HTTP.WriteTimeout)
	setDuration(v, "http.idle_timeout", &cfg.HTTP.IdleTimeout)

	setString(v, "grpc.addr", &cfg.GRPC.Addr)
	setBool(v, "grpc.enabled", &cfg.GRPC.Enabled)

	setString(v, "catalog.path", &cfg.Catalog.Path)

	setBool(v, "snapshots.enabled", &cfg.Snapshots.Enabled)
	setString(v, "snapshots.type", &cfg.Snapshots.Type)
	setString(v, "snapshots.path", &cfg.Snapshots.Path)
	setString(v, "snapshots.s3.bucket", &cfg.Snapshots.S3.Bucket)
	setString(v, "snapshots.s3.region", &cfg.Snapshots.S3.Region)
	setString(v, "snapshots.s3.endpoint", &cfg.Snapshots.S3.Endpoint)
	setString(v, "snapshots.s3.prefix", &cfg.Snapshots.S3.Prefix)

	setInt(v, "planner.binary_search_threshold", &cfg.Planner.BinarySearchThreshold)
	setInt(v, "planner.batch_concurrency", &cfg.Planner.BatchConcurrency)

	setBool(v, "metrics.enabled", &cfg.Metrics.Enabled)
	setString(v, "metrics.addr", &cfg.Metrics.Addr)

	setString(v, "log.level", &cfg.Log.Level)
	setString(v, "log.format", &cfg.Log.Format)

	setDuration(v, "shutdown.timeout", &cfg.Shutdown.Timeout)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
	}
	if c.Snapshots.Enabled && c.Snapshots.Type == "local" {
		dirs = append(dirs, c.Snapshots.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
