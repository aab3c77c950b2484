// Package main implements the partplan binary: the planning daemon and an
// offline CLI over the same scheme catalog.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/partplan/partplan/internal/app"
	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/config"
	"github.com/partplan/partplan/internal/logging"
	"github.com/partplan/partplan/internal/service"
	"github.com/partplan/partplan/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cli carries state shared by every subcommand.
type cli struct {
	configFile string
	envFile    string
	v          *viper.Viper
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root, _ := newCLI()
	return root
}

func newCLI() (*cobra.Command, *cli) {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "partplan",
		Short: "Partition pruning planner for range-partitioned tables",
		Long: `partplan decides which partitions of a date-partitioned table a range
predicate must scan, and estimates the fraction of rows read.

Run "partplan serve" for the HTTP/gRPC daemon, or use the plan and scheme
commands directly against the catalog.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	flags.StringVar(&c.envFile, "env-file", ".env", "Path to a .env file loaded before the environment is read")
	flags.String("data-dir", "", "Base directory for all data files")
	flags.String("catalog", "", "Path to the SQLite scheme catalog")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console, json")

	c.bind(root, "data_dir", "data-dir")
	c.bind(root, "catalog.path", "catalog")
	c.bind(root, "log.level", "log-level")
	c.bind(root, "log.format", "log-format")

	root.AddCommand(
		c.serveCmd(),
		c.planCmd(),
		c.schemeCmd(),
		versionCmd(),
	)
	return root, c
}

// bind maps a flag of cmd onto a config key so that an explicitly set flag
// overrides the file and environment.
func (c *cli) bind(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	if err := c.v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// loadConfig layers defaults, the config file, PARTPLAN_* variables and flags.
func (c *cli) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if c.configFile != "" {
		loaded, err := config.LoadFromFile(c.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.Apply(c.v, cfg)
	cfg.Resolve()
	return cfg, nil
}

func (c *cli) logger(w io.Writer, cfg *config.Config) zerolog.Logger {
	return logging.NewWithWriter(w, cfg.Log.Level, cfg.Log.Format)
}

// openService bootstraps a service over the configured catalog without
// starting any server. The returned func closes the catalog.
func (c *cli) openService(ctx context.Context, cmd *cobra.Command) (*service.Service, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}
	logger := c.logger(cmd.ErrOrStderr(), cfg)

	cat, err := catalog.NewCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	objects, err := app.OpenSnapshotStorage(ctx, cfg.Snapshots)
	if err != nil {
		cat.Close()
		return nil, nil, err
	}
	var snapshots *storage.SnapshotStore
	if objects != nil {
		snapshots = storage.NewSnapshotStore(objects, cfg.Planner.BatchConcurrency)
	}

	svc := service.New(cat, snapshots, nil, logger, service.Options{
		BinarySearchThreshold: cfg.Planner.BinarySearchThreshold,
		BatchConcurrency:      cfg.Planner.BatchConcurrency,
		Seeds:                 cfg.Tables,
	})
	if err := svc.Bootstrap(ctx); err != nil {
		cat.Close()
		return nil, nil, err
	}
	return svc, func() { cat.Close() }, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "partplan version %s (commit: %s)\n", version, commit)
		},
	}
}
