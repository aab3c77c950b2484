package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/scheme"
	"github.com/partplan/partplan/pkg/types"
)

func bookings(t *testing.T) *planner.Planner {
	t.Helper()
	s, err := scheme.Monthly("p", types.MustParseKey("2024-01"), types.MustParseKey("2024-12"), "p_future")
	require.NoError(t, err)
	p, err := planner.New(s)
	require.NoError(t, err)
	return p
}

func summer() planner.Predicate {
	return planner.Between(types.MustParseKey("2024-06-01"), types.MustParseKey("2024-09-01"))
}

func TestSummary(t *testing.T) {
	p := bookings(t)
	plan, err := p.Plan(summer())
	require.NoError(t, err)

	out := Summary("bookings", summer(), plan)
	assert.Equal(t, strings.Join([]string{
		"Table: bookings",
		"Predicate: [2024-06-01, 2024-09-01)",
		"Partitions Scanned: 3 of 13 (10 pruned)",
		"Estimated Rows Scanned: 23.08% of a full scan",
		"Partition Pruning: yes",
		"Partitions: p_2024_06, p_2024_07, p_2024_08",
		"",
	}, "\n"), out)
}

func TestSummary_FullScan(t *testing.T) {
	plan, err := bookings(t).Plan(planner.All())
	require.NoError(t, err)

	out := Summary("", planner.All(), plan)
	assert.NotContains(t, out, "Table:")
	assert.Contains(t, out, "Partitions Scanned: 13 of 13 (0 pruned)")
	assert.Contains(t, out, "100.00%")
	assert.Contains(t, out, "Partition Pruning: no (full scan)")
}

func TestWriteExplanation_Markdown(t *testing.T) {
	exp, err := bookings(t).Explain(summer())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteExplanation(&buf, "bookings", exp, FormatMarkdown))
	out := buf.String()

	assert.Contains(t, out, "### Scan plan for `bookings`")
	assert.Contains(t, out, "**Partitions Scanned:** 3 of 13")
	assert.Contains(t, out, "Partition")
	assert.Contains(t, out, "p_2024_07")
	assert.Contains(t, out, "[2024-06-01, 2024-07-01)")
	assert.Contains(t, out, "7.69%")
	assert.Contains(t, out, "Pruned: p_2024_01")
	assert.Contains(t, out, "|")
}

func TestWriteExplanation_Text(t *testing.T) {
	exp, err := bookings(t).Explain(summer())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteExplanation(&buf, "bookings", exp, FormatText))
	assert.Contains(t, buf.String(), "Partitions Scanned: 3 of 13")
}

func TestPlanTable(t *testing.T) {
	p := bookings(t)
	preds := []planner.Predicate{summer(), planner.All()}
	plans := make([]planner.ScanPlan, len(preds))
	for i, pred := range preds {
		plan, err := p.Plan(pred)
		require.NoError(t, err)
		plans[i] = plan
	}

	var buf bytes.Buffer
	PlanTable(&buf, preds, plans)
	out := buf.String()
	assert.Contains(t, out, "3/13")
	assert.Contains(t, out, "13/13")
	assert.Contains(t, out, "(-inf, +inf)")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("html")
	assert.Error(t, err)
}

func TestWriteScheme(t *testing.T) {
	s, err := scheme.Monthly("p", types.MustParseKey("2024-01"), types.MustParseKey("2024-03"), "p_future")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteScheme(&buf, "bookings", 2, s))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "Table: bookings (version 2, fingerprint "+s.FingerprintHex()+")\n"))
	assert.Contains(t, out, "Catch-all")
	assert.Contains(t, out, "[2024-02-01, 2024-03-01)")
	assert.Contains(t, out, "[2024-04-01, +inf)")
	assert.Equal(t, 1, strings.Count(out, "| yes "))
}

func TestWriteHistory(t *testing.T) {
	s, err := scheme.Monthly("p", types.MustParseKey("2024-01"), types.MustParseKey("2024-12"), "p_future")
	require.NoError(t, err)
	evolved, err := s.AddTrailingPartition("p_2025_02_on", types.MustParseKey("2025-02-01"))
	require.NoError(t, err)

	now := time.Now()
	var buf bytes.Buffer
	WriteHistory(&buf, []*catalog.Version{
		{Table: "bookings", Version: 1, Operation: catalog.OpCreate, Fingerprint: s.FingerprintHex(), CreatedAt: now.Add(-2 * time.Hour), Scheme: s},
		{Table: "bookings", Version: 2, Operation: catalog.OpAddPartition, Fingerprint: evolved.FingerprintHex(), CreatedAt: now, Scheme: evolved},
	})
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4, out)
	assert.Contains(t, lines[0], "Fingerprint")
	assert.Contains(t, lines[2], "create")
	assert.Contains(t, lines[2], " 13 |")
	assert.Contains(t, lines[2], "2 hours ago")
	assert.Contains(t, lines[3], "add_partition")
	assert.Contains(t, lines[3], " 14 |")
}
