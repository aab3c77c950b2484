package observability

import (
	"sort"
	"sync"
	"time"
)

// PlanStats tracks per-table pruning effectiveness and the key ranges
// requested most often. Range frequencies feed partition-boundary
// decisions; entries older than the window are dropped by Prune.
type PlanStats struct {
	mu     sync.RWMutex
	tables map[string]*tableStats
	window time.Duration
	now    func() time.Time
}

type tableStats struct {
	plans           int64
	prunable        int64
	matched         int64
	total           int64
	scannedFraction float64
	ranges          map[string]*RangeStats
}

// RangeStats holds the request count for one predicate range.
type RangeStats struct {
	Range     string
	Frequency int64
	LastSeen  time.Time
}

// TableSummary aggregates every plan recorded for a table.
type TableSummary struct {
	Table string `json:"table"`
	Plans int64  `json:"plans"`

	// PrunableRatio is the share of plans that skipped at least one partition.
	PrunableRatio float64 `json:"prunable_ratio"`

	// AvgPruningRatio is the mean share of partitions skipped per plan.
	AvgPruningRatio float64 `json:"avg_pruning_ratio"`

	AvgScannedFraction float64 `json:"avg_scanned_fraction"`
}

// NewPlanStats creates a tracker that forgets ranges not seen within window.
func NewPlanStats(window time.Duration) *PlanStats {
	return &PlanStats{
		tables: make(map[string]*tableStats),
		window: window,
		now:    time.Now,
	}
}

// Record adds one plan outcome for table. rng is the predicate's rendered
// key range.
func (s *PlanStats) Record(table, rng string, matched, total int, scannedFraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tables[table]
	if !ok {
		ts = &tableStats{ranges: make(map[string]*RangeStats)}
		s.tables[table] = ts
	}

	ts.plans++
	if matched < total {
		ts.prunable++
	}
	ts.matched += int64(matched)
	ts.total += int64(total)
	ts.scannedFraction += scannedFraction

	r, ok := ts.ranges[rng]
	if !ok {
		r = &RangeStats{Range: rng}
		ts.ranges[rng] = r
	}
	r.Frequency++
	r.LastSeen = s.now()
}

// Summary returns the aggregate for table, or false if nothing was recorded.
func (s *PlanStats) Summary(table string) (TableSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tables[table]
	if !ok || ts.plans == 0 {
		return TableSummary{}, false
	}

	sum := TableSummary{
		Table:              table,
		Plans:              ts.plans,
		PrunableRatio:      float64(ts.prunable) / float64(ts.plans),
		AvgScannedFraction: ts.scannedFraction / float64(ts.plans),
	}
	if ts.total > 0 {
		sum.AvgPruningRatio = float64(ts.total-ts.matched) / float64(ts.total)
	}
	return sum, true
}

// Tables returns the names of tracked tables in sorted order.
func (s *PlanStats) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TopRanges returns copies of the n most requested ranges for table,
// most frequent first.
func (s *PlanStats) TopRanges(table string, n int) []RangeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tables[table]
	if !ok || n <= 0 || len(ts.ranges) == 0 {
		return []RangeStats{}
	}

	out := make([]RangeStats, 0, len(ts.ranges))
	for _, r := range ts.ranges {
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Range < out[j].Range
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Prune removes ranges where time.Since(LastSeen) > window.
func (s *PlanStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for _, ts := range s.tables {
		for key, r := range ts.ranges {
			if r.LastSeen.Before(threshold) {
				delete(ts.ranges, key)
			}
		}
	}
}
