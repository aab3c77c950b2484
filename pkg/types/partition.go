package types

import "fmt"

// KeyRange is the half-open interval [Lower, Upper) covered by one
// partition. Lower is always finite; an unbounded Upper marks the
// catch-all partition.
type KeyRange struct {
	Lower Key   `json:"lower"`
	Upper Bound `json:"upper"`
}

// NewKeyRange returns [lower, upper).
func NewKeyRange(lower Key, upper Bound) KeyRange {
	return KeyRange{Lower: lower, Upper: upper}
}

// IsCatchAll reports whether the range has no upper bound.
func (r KeyRange) IsCatchAll() bool {
	return r.Upper.IsUnbounded()
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Key) bool {
	if k < r.Lower {
		return false
	}
	upper, finite := r.Upper.Key()
	return !finite || k < upper
}

// Intersects reports whether the range shares at least one key with the
// query interval [lower, upper). An empty query interval intersects nothing.
func (r KeyRange) Intersects(lower, upper Bound) bool {
	ql, lowerFinite := lower.Key()
	qu, upperFinite := upper.Key()

	if lowerFinite && upperFinite && ql >= qu {
		return false
	}
	if upperFinite && r.Lower >= qu {
		return false
	}
	if ru, finite := r.Upper.Key(); finite && lowerFinite && ql >= ru {
		return false
	}
	return true
}

// Span returns the number of days covered, or -1 for a catch-all.
func (r KeyRange) Span() int64 {
	upper, finite := r.Upper.Key()
	if !finite {
		return -1
	}
	return int64(upper - r.Lower)
}

func (r KeyRange) String() string {
	if r.IsCatchAll() {
		return fmt.Sprintf("[%s, +inf)", r.Lower)
	}
	return fmt.Sprintf("[%s, %s)", r.Lower, r.Upper)
}
