package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partplan/partplan/pkg/types"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("./data/partplan", "catalog.db"), cfg.Catalog.Path)
	assert.Equal(t, filepath.Join("./data/partplan", "snapshots"), cfg.Snapshots.Path)
	assert.Equal(t, 64, cfg.Planner.BinarySearchThreshold)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partplan.yaml")
	doc := `
data_dir: /var/lib/partplan
http:
  addr: ":18080"
  read_timeout: 5s
planner:
  batch_concurrency: 4
log:
  level: debug
  format: json
tables:
  - name: bookings
    from: "2024-01"
    through: "2024-12"
    catch_all: p_future
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":18080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Planner.BatchConcurrency)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Tables, 1)
	table := cfg.Tables[0]
	assert.Equal(t, "bookings", table.Name)
	assert.Equal(t, "p", table.Prefix)
	assert.Equal(t, types.MustParseKey("2024-01-01"), table.From)
	assert.Equal(t, types.MustParseKey("2024-12-01"), table.Through)
	assert.Equal(t, "p_future", table.CatchAll)
	assert.Equal(t, "/var/lib/partplan/catalog.db", cfg.Catalog.Path)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partplan.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"grpc":{"enabled":false},"snapshots":{"type":"s3","s3":{"bucket":"schemes"}}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.False(t, cfg.GRPC.Enabled)
	assert.Equal(t, "s3", cfg.Snapshots.Type)
	assert.Equal(t, "schemes", cfg.Snapshots.S3.Bucket)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "partplan.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "unsupported config file format")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tables:\n  - name: t\n    from: someday\n"), 0644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad snapshot type", func(c *Config) { c.Snapshots.Type = "gcs" }, "invalid snapshots type"},
		{"s3 without bucket", func(c *Config) { c.Snapshots.Type = "s3" }, "bucket is required"},
		{"zero batch concurrency", func(c *Config) { c.Planner.BatchConcurrency = 0 }, "batch_concurrency"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"unnamed table", func(c *Config) { c.Tables = []TableConfig{{}} }, "name is required"},
		{"duplicate table", func(c *Config) {
			c.Tables = []TableConfig{{Name: "t"}, {Name: "t"}}
		}, "duplicate table"},
		{"reversed table", func(c *Config) {
			c.Tables = []TableConfig{{Name: "t", From: types.MustParseKey("2024-05"), Through: types.MustParseKey("2024-01")}}
		}, "before from"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PARTPLAN_HTTP_ADDR", ":7070")
	t.Setenv("PARTPLAN_GRPC_ENABLED", "false")
	t.Setenv("PARTPLAN_PLANNER_BINARY_SEARCH_THRESHOLD", "16")
	t.Setenv("PARTPLAN_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("PARTPLAN_SNAPSHOTS_S3_BUCKET", "bucket")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.False(t, cfg.GRPC.Enabled)
	assert.Equal(t, 16, cfg.Planner.BinarySearchThreshold)
	assert.Equal(t, 3*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, "bucket", cfg.Snapshots.S3.Bucket)
	assert.Equal(t, "info", cfg.Log.Level, "unset variables leave defaults alone")
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PARTPLAN_LOG_LEVEL=debug\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("PARTPLAN_LOG_LEVEL") })

	require.NoError(t, LoadDotEnv(path))
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Snapshots.Path)
}
