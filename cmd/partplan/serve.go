package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partplan/partplan/internal/app"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the planning daemon",
		Long: `Start the HTTP API, the gRPC API and the Prometheus exporter.

Environment variables use the PARTPLAN_ prefix with nested keys joined by
underscores, e.g. PARTPLAN_HTTP_ADDR or PARTPLAN_SNAPSHOTS_S3_BUCKET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logger := c.logger(cmd.ErrOrStderr(), cfg)
			logger.Info().
				Str("version", version).
				Str("commit", commit).
				Str("data_dir", cfg.DataDir).
				Msg("Starting partplan")

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			return a.WaitForShutdown(ctx)
		},
	}

	f := cmd.Flags()
	f.String("http-addr", "", "HTTP listen address")
	f.String("grpc-addr", "", "gRPC listen address")
	f.Bool("grpc", true, "Enable the gRPC API")
	f.String("metrics-addr", "", "Prometheus exporter address")
	f.Bool("metrics", true, "Enable the Prometheus exporter")
	f.Bool("snapshots", true, "Publish scheme versions to object storage")
	f.String("snapshot-type", "", "Snapshot storage type: local, s3")
	f.String("s3-bucket", "", "S3 bucket for snapshots")
	f.String("s3-prefix", "", "Key prefix for snapshots inside the S3 bucket")
	f.Duration("shutdown-timeout", 0, "Graceful shutdown timeout")

	c.bind(cmd, "http.addr", "http-addr")
	c.bind(cmd, "grpc.addr", "grpc-addr")
	c.bind(cmd, "grpc.enabled", "grpc")
	c.bind(cmd, "metrics.addr", "metrics-addr")
	c.bind(cmd, "metrics.enabled", "metrics")
	c.bind(cmd, "snapshots.enabled", "snapshots")
	c.bind(cmd, "snapshots.type", "snapshot-type")
	c.bind(cmd, "snapshots.s3.bucket", "s3-bucket")
	c.bind(cmd, "snapshots.s3.prefix", "s3-prefix")
	c.bind(cmd, "shutdown.timeout", "shutdown-timeout")
	return cmd
}
