package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/report"
	"github.com/partplan/partplan/internal/where"
	"github.com/partplan/partplan/pkg/types"
)

func (c *cli) planCmd() *cobra.Command {
	var (
		from, to    string
		clause      string
		column      string
		ranges      []string
		selectivity float64
		filter      string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "plan TABLE",
		Short: "Plan a range predicate against a table's current scheme",
		Example: `  partplan plan bookings --from 2024-06-01 --to 2024-09-01
  partplan plan bookings --from 2024-06-01 --to 2024-09-01 --format markdown
  partplan plan bookings --range 2024-01-01:2024-02-01 --range 2024-06-01:
  partplan plan bookings --column booking_date \
    --where "booking_date BETWEEN '2024-06-01' AND '2024-08-31' AND status = 'paid'"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}

			svc, closeFn, err := c.openService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			out := cmd.OutOrStdout()

			if len(ranges) > 0 {
				preds := make([]planner.Predicate, 0, len(ranges))
				for _, r := range ranges {
					p, err := parseRange(r)
					if err != nil {
						return err
					}
					preds = append(preds, p)
				}
				plans, err := svc.PlanBatch(cmd.Context(), table, preds)
				if err != nil {
					return err
				}
				report.PlanTable(out, preds, plans)
				return nil
			}

			var pred planner.Predicate
			if cmd.Flags().Changed("where") {
				if cmd.Flags().Changed("from") || cmd.Flags().Changed("to") {
					return fmt.Errorf("--where cannot be combined with --from or --to")
				}
				pred, err = where.Predicate(clause, column)
			} else {
				pred, err = predicate(from, to)
				pred.Filter = filter
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("selectivity") {
				pred.Selectivity = &selectivity
			}

			if f == report.FormatMarkdown {
				exp, err := svc.Explain(cmd.Context(), table, pred)
				if err != nil {
					return err
				}
				return report.WriteExplanation(out, table, exp, f)
			}
			plan, err := svc.Plan(cmd.Context(), table, pred)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(out, report.Summary(table, pred, plan))
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "", "Inclusive lower bound (YYYY-MM-DD); empty for unbounded")
	f.StringVar(&to, "to", "", "Exclusive upper bound (YYYY-MM-DD); empty for unbounded")
	f.StringVar(&clause, "where", "", "SQL WHERE clause; comparisons on --column set the range")
	f.StringVar(&column, "column", "date", "Partition key column referenced by --where")
	f.StringArrayVar(&ranges, "range", nil, "LOWER:UPPER range planned as one batch; repeatable")
	f.Float64Var(&selectivity, "selectivity", 1, "Fraction of matched rows surviving the secondary filter")
	f.StringVar(&filter, "filter", "", "Label of the secondary filter, shown in reports")
	f.StringVarP(&format, "format", "o", "text", "Output format: text, markdown")
	return cmd
}

func predicate(from, to string) (planner.Predicate, error) {
	lower, err := types.ParseBound(from)
	if err != nil {
		return planner.Predicate{}, fmt.Errorf("invalid --from: %w", err)
	}
	upper, err := types.ParseBound(to)
	if err != nil {
		return planner.Predicate{}, fmt.Errorf("invalid --to: %w", err)
	}
	return planner.Predicate{Lower: lower, Upper: upper}, nil
}

// parseRange parses "LOWER:UPPER" where either side may be empty.
func parseRange(s string) (planner.Predicate, error) {
	lower, upper, ok := strings.Cut(s, ":")
	if !ok {
		return planner.Predicate{}, fmt.Errorf("invalid range %q: want LOWER:UPPER", s)
	}
	return predicate(lower, upper)
}
