// Package scheme models a table's range partitioning: an ordered list of
// named, contiguous, month-aligned key ranges, optionally ending in a
// catch-all partition with no upper bound.
//
// A Scheme is an immutable value. Evolution (splitting the catch-all,
// archiving the leading partition) returns a new Scheme and never mutates
// the receiver, so a Scheme can be shared across goroutines without locks.
package scheme

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/pkg/types"
)

// weightTolerance bounds the drift allowed when checking that weights sum to 1.
const weightTolerance = 1e-9

// Partition is one named range of a scheme.
type Partition struct {
	Name  string
	Range types.KeyRange

	// Weight is the estimated share of table rows held by the partition.
	// Weights across a scheme sum to 1.
	Weight float64
}

// IsCatchAll reports whether the partition has no upper bound.
func (p Partition) IsCatchAll() bool {
	return p.Range.IsCatchAll()
}

// Boundary is one entry of a declarative scheme source: a partition name
// and the inclusive lower bound where it begins.
type Boundary struct {
	Name  string    `json:"name" yaml:"name"`
	Lower types.Key `json:"lower" yaml:"lower"`
}

// Scheme is an immutable, validated partition list.
type Scheme struct {
	partitions []Partition
	index      map[string]int
}

// New validates partitions and returns a Scheme. Partitions must be sorted
// by lower bound, contiguous, uniquely named, and at most the last one may
// be a catch-all. When every weight is zero the scheme is weighted
// uniformly; otherwise the weights are normalized to sum to 1.
func New(partitions []Partition) (*Scheme, error) {
	if len(partitions) == 0 {
		return nil, perrors.InvalidScheme("scheme must contain at least one partition")
	}

	parts := make([]Partition, len(partitions))
	copy(parts, partitions)

	if err := validate(parts); err != nil {
		return nil, err
	}

	if err := normalizeWeights(parts); err != nil {
		return nil, err
	}

	return build(parts), nil
}

// build indexes already-validated partitions.
func build(parts []Partition) *Scheme {
	index := make(map[string]int, len(parts))
	for i, p := range parts {
		index[p.Name] = i
	}
	return &Scheme{partitions: parts, index: index}
}

// validate checks the ordering and coverage invariants.
func validate(parts []Partition) error {
	seen := make(map[string]int, len(parts))

	for i, p := range parts {
		if p.Name == "" {
			return perrors.InvalidScheme("partition at position %d has an empty name", i).
				With("position", i)
		}
		if prev, dup := seen[p.Name]; dup {
			return perrors.InvalidScheme("duplicate partition name %q", p.Name).
				WithDetails(map[string]interface{}{"partition": p.Name, "positions": fmt.Sprintf("%d,%d", prev, i)})
		}
		seen[p.Name] = i

		if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) || p.Weight < 0 {
			return perrors.InvalidScheme("partition %q has invalid weight %v", p.Name, p.Weight).
				With("partition", p.Name)
		}

		if upper, finite := p.Range.Upper.Key(); finite && upper <= p.Range.Lower {
			return perrors.InvalidScheme("partition %q has empty range %s", p.Name, p.Range).
				WithDetails(map[string]interface{}{"partition": p.Name, "lower": p.Range.Lower, "upper": upper})
		}

		if p.IsCatchAll() && i != len(parts)-1 {
			next := parts[i+1]
			return perrors.InvalidScheme("only the last partition may be unbounded; %q is followed by %q", p.Name, next.Name).
				WithDetails(map[string]interface{}{"partition": p.Name, "next": next.Name})
		}

		if i == 0 {
			continue
		}

		prev := parts[i-1]
		prevUpper, _ := prev.Range.Upper.Key()
		switch {
		case p.Range.Lower <= prev.Range.Lower:
			return perrors.InvalidScheme("partitions out of order: %q starts at %s, not after %q at %s",
				p.Name, p.Range.Lower, prev.Name, prev.Range.Lower).
				WithDetails(map[string]interface{}{"partition": p.Name, "previous": prev.Name})
		case p.Range.Lower < prevUpper:
			return perrors.InvalidScheme("partition %q overlaps %q: %s starts before %s",
				p.Name, prev.Name, p.Range.Lower, prevUpper).
				WithDetails(map[string]interface{}{"partition": p.Name, "previous": prev.Name, "lower": p.Range.Lower, "previous_upper": prevUpper})
		case p.Range.Lower > prevUpper:
			return perrors.InvalidScheme("gap between %q and %q: %s to %s is not covered",
				prev.Name, p.Name, prevUpper, p.Range.Lower).
				WithDetails(map[string]interface{}{"partition": p.Name, "previous": prev.Name, "lower": p.Range.Lower, "previous_upper": prevUpper})
		}
	}
	return nil
}

// normalizeWeights rescales weights to sum to 1, or assigns 1/N when all
// weights are zero.
func normalizeWeights(parts []Partition) error {
	var total float64
	for _, p := range parts {
		total += p.Weight
	}

	if total == 0 {
		uniform := 1 / float64(len(parts))
		for i := range parts {
			parts[i].Weight = uniform
		}
		return nil
	}

	if math.IsInf(total, 0) {
		return perrors.InvalidScheme("partition weights overflow")
	}

	if math.Abs(total-1) > weightTolerance {
		for i := range parts {
			parts[i].Weight /= total
		}
	}
	return nil
}

// FromBoundaries builds a scheme from declarative boundaries. Each
// partition ends where the next begins; the last one is a catch-all unless
// finalUpper is finite. Weights are uniform.
func FromBoundaries(boundaries []Boundary, finalUpper types.Bound) (*Scheme, error) {
	parts := make([]Partition, len(boundaries))
	for i, b := range boundaries {
		upper := finalUpper
		if i+1 < len(boundaries) {
			upper = types.At(boundaries[i+1].Lower)
		}
		parts[i] = Partition{Name: b.Name, Range: types.NewKeyRange(b.Lower, upper)}
	}
	return New(parts)
}

// MonthlyName returns the conventional name for a monthly partition,
// e.g. "p_2024_06".
func MonthlyName(prefix string, k types.Key) string {
	return fmt.Sprintf("%s_%04d_%02d", prefix, k.Year(), int(k.Month()))
}

// Monthly builds one partition per month from the month of from through the
// month of through (inclusive). If catchAll is non-empty a trailing
// unbounded partition with that name begins the month after through.
func Monthly(prefix string, from, through types.Key, catchAll string) (*Scheme, error) {
	start := from.AddMonths(0)
	end := through.AddMonths(0)
	if end < start {
		return nil, perrors.InvalidScheme("monthly scheme ends at %s before it starts at %s", through, from).
			WithDetails(map[string]interface{}{"from": from, "through": through})
	}

	var boundaries []Boundary
	for m := start; m <= end; m = m.AddMonths(1) {
		boundaries = append(boundaries, Boundary{Name: MonthlyName(prefix, m), Lower: m})
	}

	final := types.At(end.AddMonths(1))
	if catchAll != "" {
		boundaries = append(boundaries, Boundary{Name: catchAll, Lower: end.AddMonths(1)})
		final = types.Unbounded()
	}
	return FromBoundaries(boundaries, final)
}

// Len returns the number of partitions.
func (s *Scheme) Len() int {
	return len(s.partitions)
}

// Partitions returns a copy of the partitions in key order.
func (s *Scheme) Partitions() []Partition {
	out := make([]Partition, len(s.partitions))
	copy(out, s.partitions)
	return out
}

// At returns the partition at position i.
func (s *Scheme) At(i int) Partition {
	return s.partitions[i]
}

// Partition looks up a partition by name.
func (s *Scheme) Partition(name string) (Partition, bool) {
	i, ok := s.index[name]
	if !ok {
		return Partition{}, false
	}
	return s.partitions[i], true
}

// Index returns the position of the named partition, or -1.
func (s *Scheme) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// CatchAll returns the unbounded trailing partition, if any.
func (s *Scheme) CatchAll() (Partition, bool) {
	last := s.partitions[len(s.partitions)-1]
	return last, last.IsCatchAll()
}

// Domain returns the key range covered by the whole scheme.
func (s *Scheme) Domain() types.KeyRange {
	first := s.partitions[0]
	last := s.partitions[len(s.partitions)-1]
	return types.NewKeyRange(first.Range.Lower, last.Range.Upper)
}

// Locate returns the partition containing k.
func (s *Scheme) Locate(k types.Key) (Partition, bool) {
	for _, p := range s.partitions {
		if p.Range.Contains(k) {
			return p, true
		}
	}
	return Partition{}, false
}

// Boundaries returns the declarative form of the scheme.
func (s *Scheme) Boundaries() []Boundary {
	out := make([]Boundary, len(s.partitions))
	for i, p := range s.partitions {
		out[i] = Boundary{Name: p.Name, Lower: p.Range.Lower}
	}
	return out
}

// Lowers returns the sorted lower bounds, for binary search.
func (s *Scheme) Lowers() []types.Key {
	out := make([]types.Key, len(s.partitions))
	for i, p := range s.partitions {
		out[i] = p.Range.Lower
	}
	return out
}

// Fingerprint is a stable 64-bit murmur3 hash of names, bounds, and weights.
// Two schemes with equal fingerprints plan identically.
func (s *Scheme) Fingerprint() uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, p := range s.partitions {
		h.Write([]byte(p.Name))
		h.Write([]byte{0})

		binary.BigEndian.PutUint64(buf[:], uint64(p.Range.Lower))
		h.Write(buf[:])

		if upper, finite := p.Range.Upper.Key(); finite {
			binary.BigEndian.PutUint64(buf[:], uint64(upper))
			h.Write([]byte{1})
			h.Write(buf[:])
		} else {
			h.Write([]byte{0})
		}

		binary.BigEndian.PutUint64(buf[:], math.Float64bits(p.Weight))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// FingerprintHex renders the fingerprint for logs and documents.
func (s *Scheme) FingerprintHex() string {
	return fmt.Sprintf("%016x", s.Fingerprint())
}

// Equal reports whether two schemes have the same partitions and weights.
func (s *Scheme) Equal(o *Scheme) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.partitions) != len(o.partitions) {
		return false
	}
	for i, p := range s.partitions {
		q := o.partitions[i]
		if p.Name != q.Name || p.Range.Lower != q.Range.Lower || !p.Range.Upper.Equal(q.Range.Upper) {
			return false
		}
		if math.Abs(p.Weight-q.Weight) > weightTolerance {
			return false
		}
	}
	return true
}

// String summarizes the scheme for logs.
func (s *Scheme) String() string {
	d := s.Domain()
	return fmt.Sprintf("scheme{partitions=%d domain=%s fingerprint=%s}", s.Len(), d, s.FingerprintHex())
}
