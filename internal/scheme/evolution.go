package scheme

import (
	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/pkg/types"
)

// AddTrailingPartition splits the catch-all [oldLower, +inf) into
// [oldLower, boundary), which keeps the catch-all's name, and a new
// catch-all [boundary, +inf) called name. The catch-all's weight is shared
// equally by the two halves so the estimate for any predicate covering both
// is unchanged. Other weights are not touched, so repeated splits halve the
// trailing weight each time: after k splits of a uniform N-partition scheme
// the newest catch-all weighs (1/N)/2^k, not 1/(N+k). WithRowCounts or
// Uniform restore a count-based or uniform weighting.
func (s *Scheme) AddTrailingPartition(name string, boundary types.Key) (*Scheme, error) {
	catchAll, ok := s.CatchAll()
	if !ok {
		last := s.partitions[len(s.partitions)-1]
		upper, _ := last.Range.Upper.Key()
		return nil, perrors.NoCatchAll("cannot add partition %q: last partition %q is bounded at %s", name, last.Name, upper).
			WithDetails(map[string]interface{}{"partition": name, "last": last.Name, "last_upper": upper})
	}

	if boundary <= catchAll.Range.Lower {
		return nil, perrors.NonMonotonicBoundary("boundary %s for %q must be after catch-all %q lower bound %s",
			boundary, name, catchAll.Name, catchAll.Range.Lower).
			WithDetails(map[string]interface{}{
				"partition": name,
				"catch_all": catchAll.Name,
				"boundary":  boundary,
				"lower":     catchAll.Range.Lower,
			})
	}

	if name == "" {
		return nil, perrors.InvalidScheme("new partition name must not be empty")
	}
	if _, exists := s.index[name]; exists {
		return nil, perrors.InvalidScheme("duplicate partition name %q", name).With("partition", name)
	}

	parts := make([]Partition, 0, len(s.partitions)+1)
	parts = append(parts, s.partitions[:len(s.partitions)-1]...)

	half := catchAll.Weight / 2
	parts = append(parts,
		Partition{
			Name:   catchAll.Name,
			Range:  types.NewKeyRange(catchAll.Range.Lower, types.At(boundary)),
			Weight: half,
		},
		Partition{
			Name:   name,
			Range:  types.NewKeyRange(boundary, types.Unbounded()),
			Weight: catchAll.Weight - half,
		},
	)

	return build(parts), nil
}

// DropLeadingPartition removes the first partition. Dropping any other
// partition would leave a gap, so it is rejected. The remaining weights are
// rescaled to sum to 1.
func (s *Scheme) DropLeadingPartition(name string) (*Scheme, error) {
	i, ok := s.index[name]
	if !ok {
		return nil, perrors.UnknownPartition("partition %q does not exist", name).With("partition", name)
	}

	leading := s.partitions[0]
	if i != 0 {
		return nil, perrors.NotLeadingPartition("cannot drop %q at position %d; only the leading partition %q may be dropped",
			name, i, leading.Name).
			WithDetails(map[string]interface{}{"partition": name, "position": i, "leading": leading.Name})
	}

	if len(s.partitions) == 1 {
		return nil, perrors.InvalidScheme("cannot drop %q: it is the only partition", name).With("partition", name)
	}

	parts := make([]Partition, len(s.partitions)-1)
	copy(parts, s.partitions[1:])

	remaining := 1 - leading.Weight
	if remaining <= 0 {
		for j := range parts {
			parts[j].Weight = 0
		}
	} else {
		for j := range parts {
			parts[j].Weight /= remaining
		}
	}
	if err := normalizeWeights(parts); err != nil {
		return nil, err
	}

	return build(parts), nil
}

// WithRowCounts returns a scheme weighted by observed row counts. Partitions
// missing from counts are weighted zero. If every count is zero the scheme
// falls back to uniform weights.
func (s *Scheme) WithRowCounts(counts map[string]int64) (*Scheme, error) {
	for name, n := range counts {
		if _, ok := s.index[name]; !ok {
			return nil, perrors.UnknownPartition("row count given for unknown partition %q", name).With("partition", name)
		}
		if n < 0 {
			return nil, perrors.InvalidScheme("row count for %q is negative: %d", name, n).With("partition", name)
		}
	}

	parts := make([]Partition, len(s.partitions))
	copy(parts, s.partitions)
	for i := range parts {
		parts[i].Weight = float64(counts[parts[i].Name])
	}
	if err := normalizeWeights(parts); err != nil {
		return nil, err
	}
	return build(parts), nil
}

// Uniform returns the scheme with every partition weighted 1/N.
func (s *Scheme) Uniform() *Scheme {
	parts := make([]Partition, len(s.partitions))
	copy(parts, s.partitions)
	for i := range parts {
		parts[i].Weight = 0
	}
	_ = normalizeWeights(parts)
	return build(parts)
}
