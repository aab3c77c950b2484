// Package planner decides which partitions of a range-partitioned table a
// key predicate must scan, and estimates the scanned share of the table
// relative to a full scan.
//
// A Planner is a pure function of its scheme: Plan holds no locks and
// mutates nothing, so one Planner can serve any number of goroutines.
package planner

import (
	"sort"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/scheme"
	"github.com/partplan/partplan/pkg/types"
)

// DefaultBinarySearchThreshold is the partition count above which Plan
// locates the first candidate by binary search instead of a linear scan.
const DefaultBinarySearchThreshold = 64

// Strategy names how candidate partitions were located.
type Strategy string

const (
	StrategyLinear Strategy = "linear"
	StrategyBinary Strategy = "binary"
)

// ScanPlan is the planner's output for one predicate.
type ScanPlan struct {
	// Partitions lists matched partition names in scheme order.
	Partitions []string `json:"partitions"`

	// ScannedFraction is the estimated share of table rows read, already
	// weighted by the secondary-filter selectivity.
	ScannedFraction float64 `json:"scanned_fraction"`

	// Prunable is true when at least one partition was skipped.
	Prunable bool `json:"prunable"`

	TotalPartitions  int      `json:"total_partitions"`
	PrunedPartitions int      `json:"pruned_partitions"`
	Strategy         Strategy `json:"strategy"`
	Fingerprint      string   `json:"fingerprint"`
}

// Matched returns the number of partitions to scan.
func (p ScanPlan) Matched() int {
	return len(p.Partitions)
}

// PruningRatio returns the share of partitions skipped (0.0 to 1.0).
func (p ScanPlan) PruningRatio() float64 {
	if p.TotalPartitions == 0 {
		return 0
	}
	return float64(p.PrunedPartitions) / float64(p.TotalPartitions)
}

// Planner plans predicates against one immutable scheme.
type Planner struct {
	scheme          *scheme.Scheme
	lowers          []types.Key
	binaryThreshold int
	fingerprint     string
}

// Option configures a Planner.
type Option func(*Planner)

// WithBinarySearchThreshold sets the partition count above which binary
// search is used. Zero or negative values always use binary search.
func WithBinarySearchThreshold(n int) Option {
	return func(p *Planner) {
		p.binaryThreshold = n
	}
}

// New creates a planner for s. The scheme was validated when it was built;
// New only rejects a missing scheme.
func New(s *scheme.Scheme, opts ...Option) (*Planner, error) {
	if s == nil || s.Len() == 0 {
		return nil, perrors.InvalidScheme("planner requires a non-empty scheme")
	}

	p := &Planner{
		scheme:          s,
		lowers:          s.Lowers(),
		binaryThreshold: DefaultBinarySearchThreshold,
		fingerprint:     s.FingerprintHex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Scheme returns the scheme this planner was built with.
func (p *Planner) Scheme() *scheme.Scheme {
	return p.scheme
}

// Plan returns the partitions that intersect pred and the estimated scanned
// fraction. An empty predicate matches nothing.
func (p *Planner) Plan(pred Predicate) (ScanPlan, error) {
	if err := pred.Validate(); err != nil {
		return ScanPlan{}, err
	}

	total := p.scheme.Len()
	start, end, strategy := p.match(pred)

	plan := ScanPlan{
		Partitions:      make([]string, 0, end-start),
		TotalPartitions: total,
		Strategy:        strategy,
		Fingerprint:     p.fingerprint,
	}

	var fraction float64
	for i := start; i < end; i++ {
		part := p.scheme.At(i)
		plan.Partitions = append(plan.Partitions, part.Name)
		fraction += part.Weight
	}

	if len(plan.Partitions) > 0 {
		plan.ScannedFraction = fraction * pred.selectivity()
	}
	plan.PrunedPartitions = total - len(plan.Partitions)
	plan.Prunable = len(plan.Partitions) < total

	return plan, nil
}

// match returns the half-open index window [start, end) of partitions that
// intersect pred. Ranges are contiguous and sorted, so matches are too.
func (p *Planner) match(pred Predicate) (int, int, Strategy) {
	if pred.IsEmpty() {
		return 0, 0, p.strategy()
	}
	if p.strategy() == StrategyBinary {
		start, end := p.matchBinary(pred)
		return start, end, StrategyBinary
	}
	start, end := p.matchLinear(pred)
	return start, end, StrategyLinear
}

func (p *Planner) strategy() Strategy {
	if p.scheme.Len() > p.binaryThreshold {
		return StrategyBinary
	}
	return StrategyLinear
}

// matchLinear tests every partition in scheme order.
func (p *Planner) matchLinear(pred Predicate) (int, int) {
	start, end := -1, -1
	for i := 0; i < p.scheme.Len(); i++ {
		if !p.scheme.At(i).Range.Intersects(pred.Lower, pred.Upper) {
			continue
		}
		if start < 0 {
			start = i
		}
		end = i + 1
	}
	if start < 0 {
		return 0, 0
	}
	return start, end
}

// matchBinary narrows the window with sort.Search over the lower bounds and
// then confirms its edges, which only differ from the window when the
// predicate falls outside the scheme's domain.
func (p *Planner) matchBinary(pred Predicate) (int, int) {
	n := len(p.lowers)

	start := 0
	if lo, finite := pred.Lower.Key(); finite {
		// Last partition starting at or before lo.
		start = sort.Search(n, func(i int) bool { return p.lowers[i] > lo }) - 1
		if start < 0 {
			start = 0
		}
	}

	end := n
	if hi, finite := pred.Upper.Key(); finite {
		// First partition starting at or after hi is excluded.
		end = sort.Search(n, func(i int) bool { return p.lowers[i] >= hi })
	}

	for start < end && !p.scheme.At(start).Range.Intersects(pred.Lower, pred.Upper) {
		start++
	}
	for end > start && !p.scheme.At(end-1).Range.Intersects(pred.Lower, pred.Upper) {
		end--
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// PartitionEstimate is one matched partition's share of the plan.
type PartitionEstimate struct {
	Name     string         `json:"name"`
	Range    types.KeyRange `json:"range"`
	Weight   float64        `json:"weight"`
	Fraction float64        `json:"fraction"`
}

// Explanation is a plan with its per-partition breakdown.
type Explanation struct {
	Predicate Predicate           `json:"predicate"`
	Plan      ScanPlan            `json:"plan"`
	Estimates []PartitionEstimate `json:"estimates"`
	Pruned    []string            `json:"pruned"`
}

// Explain plans pred and itemizes every matched partition's contribution.
func (p *Planner) Explain(pred Predicate) (Explanation, error) {
	plan, err := p.Plan(pred)
	if err != nil {
		return Explanation{}, err
	}

	matched := make(map[string]bool, len(plan.Partitions))
	for _, name := range plan.Partitions {
		matched[name] = true
	}

	exp := Explanation{
		Predicate: pred,
		Plan:      plan,
		Estimates: make([]PartitionEstimate, 0, len(plan.Partitions)),
		Pruned:    make([]string, 0, plan.PrunedPartitions),
	}
	for _, part := range p.scheme.Partitions() {
		if !matched[part.Name] {
			exp.Pruned = append(exp.Pruned, part.Name)
			continue
		}
		exp.Estimates = append(exp.Estimates, PartitionEstimate{
			Name:     part.Name,
			Range:    part.Range,
			Weight:   part.Weight,
			Fraction: part.Weight * pred.selectivity(),
		})
	}
	return exp, nil
}
