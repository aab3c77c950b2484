// Package report renders scan plans for people: the short
// "Partitions Scanned: N" summary and markdown breakdown tables.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/scheme"
)

// Format selects a rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts "text", "markdown" or "md".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("report: unknown format %q", s)
}

// Summary renders the plan in the narrative form, e.g.
//
//	Predicate: [2024-06-01, 2024-09-01)
//	Partitions Scanned: 3 of 13 (10 pruned)
//	Estimated Rows Scanned: 23.08% of a full scan
//	Partitions: p_2024_06, p_2024_07, p_2024_08
func Summary(table string, pred planner.Predicate, plan planner.ScanPlan) string {
	var b strings.Builder
	if table != "" {
		fmt.Fprintf(&b, "Table: %s\n", table)
	}
	fmt.Fprintf(&b, "Predicate: %s\n", pred)
	fmt.Fprintf(&b, "Partitions Scanned: %s of %s (%s pruned)\n",
		humanize.Comma(int64(plan.Matched())),
		humanize.Comma(int64(plan.TotalPartitions)),
		humanize.Comma(int64(plan.PrunedPartitions)))
	fmt.Fprintf(&b, "Estimated Rows Scanned: %s of a full scan\n", percent(plan.ScannedFraction))
	if plan.Prunable {
		b.WriteString("Partition Pruning: yes\n")
	} else {
		b.WriteString("Partition Pruning: no (full scan)\n")
	}
	if len(plan.Partitions) > 0 {
		fmt.Fprintf(&b, "Partitions: %s\n", strings.Join(plan.Partitions, ", "))
	}
	return b.String()
}

// WriteExplanation writes exp in the requested format.
func WriteExplanation(w io.Writer, table string, exp planner.Explanation, format Format) error {
	switch format {
	case FormatMarkdown:
		return writeMarkdown(w, table, exp)
	default:
		_, err := io.WriteString(w, Summary(table, exp.Predicate, exp.Plan))
		return err
	}
}

func writeMarkdown(w io.Writer, table string, exp planner.Explanation) error {
	title := "Scan plan"
	if table != "" {
		title = fmt.Sprintf("Scan plan for `%s`", table)
	}
	if _, err := fmt.Fprintf(w, "### %s\n\n", title); err != nil {
		return err
	}

	plan := exp.Plan
	fmt.Fprintf(w, "- **Predicate:** `%s`\n", exp.Predicate)
	fmt.Fprintf(w, "- **Partitions Scanned:** %d of %d\n", plan.Matched(), plan.TotalPartitions)
	fmt.Fprintf(w, "- **Estimated rows scanned:** %s\n", percent(plan.ScannedFraction))
	fmt.Fprintf(w, "- **Lookup:** %s\n\n", plan.Strategy)

	if len(exp.Estimates) > 0 {
		rows := make([][]string, 0, len(exp.Estimates))
		for _, e := range exp.Estimates {
			rows = append(rows, []string{
				e.Name,
				e.Range.String(),
				humanize.FtoaWithDigits(e.Weight, 4),
				percent(e.Fraction),
			})
		}
		markdownTable(w, []string{"Partition", "Range", "Weight", "Share"}, rows)
	}

	if len(exp.Pruned) > 0 {
		if _, err := fmt.Fprintf(w, "\nPruned: %s\n", strings.Join(exp.Pruned, ", ")); err != nil {
			return err
		}
	}
	return nil
}

func markdownTable(w io.Writer, header []string, rows [][]string) {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	t.SetCenterSeparator("|")
	t.AppendBulk(rows)
	t.Render()
}

// PlanTable renders several plans side by side, one row per predicate.
func PlanTable(w io.Writer, preds []planner.Predicate, plans []planner.ScanPlan) {
	rows := make([][]string, 0, len(plans))
	for i, p := range plans {
		rows = append(rows, []string{
			preds[i].String(),
			fmt.Sprintf("%d/%d", p.Matched(), p.TotalPartitions),
			percent(p.ScannedFraction),
			yesNo(p.Prunable),
		})
	}
	markdownTable(w, []string{"Predicate", "Partitions Scanned", "Rows Scanned", "Pruned"}, rows)
}

func percent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WriteScheme lists a scheme's partitions as a markdown table.
func WriteScheme(w io.Writer, table string, version int64, s *scheme.Scheme) error {
	if _, err := fmt.Fprintf(w, "Table: %s (version %d, fingerprint %s)\n\n", table, version, s.FingerprintHex()); err != nil {
		return err
	}
	rows := make([][]string, 0, s.Len())
	for _, p := range s.Partitions() {
		rows = append(rows, []string{
			p.Name,
			p.Range.String(),
			humanize.FtoaWithDigits(p.Weight, 4),
			yesNo(p.IsCatchAll()),
		})
	}
	markdownTable(w, []string{"Partition", "Range", "Weight", "Catch-all"}, rows)
	return nil
}

// WriteHistory lists stored versions, oldest first.
func WriteHistory(w io.Writer, versions []*catalog.Version) {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{
			strconv.FormatInt(v.Version, 10),
			string(v.Operation),
			strconv.Itoa(v.Scheme.Len()),
			v.Fingerprint,
			humanize.Time(v.CreatedAt),
		})
	}
	markdownTable(w, []string{"Version", "Operation", "Partitions", "Fingerprint", "Created"}, rows)
}
