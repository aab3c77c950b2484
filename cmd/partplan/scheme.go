package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/report"
	"github.com/partplan/partplan/pkg/types"
)

func (c *cli) schemeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheme",
		Short: "Inspect and evolve partition schemes",
	}
	cmd.AddCommand(
		c.schemeShowCmd(),
		c.schemeHistoryCmd(),
		c.schemeAddCmd(),
		c.schemeDropCmd(),
		c.schemeCountsCmd(),
	)
	return cmd
}

func (c *cli) schemeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TABLE",
		Short: "List a table's partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ts, err := svc.Scheme(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report.WriteScheme(cmd.OutOrStdout(), ts.Table, ts.Version, ts.Scheme)
		},
	}
}

func (c *cli) schemeHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history TABLE",
		Short: "List every stored scheme version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			versions, err := svc.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report.WriteHistory(cmd.OutOrStdout(), versions)
			return nil
		},
	}
}

func (c *cli) schemeAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "add-partition TABLE NAME BOUNDARY",
		Short:   "Split the catch-all partition at BOUNDARY",
		Example: "  partplan scheme add-partition bookings p_2025_01 2025-02-01",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			boundary, err := types.ParseKey(args[2])
			if err != nil {
				return fmt.Errorf("invalid boundary: %w", err)
			}
			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := svc.AddPartition(cmd.Context(), args[0], args[1], boundary)
			if err != nil {
				return err
			}
			printVersion(cmd, v)
			return nil
		},
	}
}

func (c *cli) schemeDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-partition TABLE NAME",
		Short: "Drop the leading partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := svc.DropPartition(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printVersion(cmd, v)
			return nil
		},
	}
}

func (c *cli) schemeCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set-counts TABLE NAME=ROWS...",
		Short:   "Record observed row counts and reweight the scheme",
		Example: "  partplan scheme set-counts bookings p_2024_01=400 p_2024_02=1500",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			counts := make(map[string]int64, len(args)-1)
			for _, arg := range args[1:] {
				name, rows, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("invalid count %q: want NAME=ROWS", arg)
				}
				n, err := strconv.ParseInt(rows, 10, 64)
				if err != nil || n < 0 {
					return fmt.Errorf("invalid row count for %s: %q", name, rows)
				}
				counts[name] = n
			}

			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := svc.UpdateStats(cmd.Context(), args[0], counts)
			if err != nil {
				return err
			}
			printVersion(cmd, v)
			return nil
		},
	}
}

func printVersion(cmd *cobra.Command, v *catalog.Version) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d (%s, %d partitions, fingerprint %s)\n",
		v.Table, v.Version, v.Operation, v.Scheme.Len(), v.Fingerprint)
}
