package planner

import (
	"fmt"
	"math"
	"strings"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/pkg/types"
)

// Predicate is the filter a query applies to the partition key: the
// half-open interval [Lower, Upper), where either bound may be unbounded.
// Selectivity, when set, is the estimated fraction of rows that pass a
// secondary non-key filter such as a status check.
type Predicate struct {
	Lower       types.Bound `json:"lower"`
	Upper       types.Bound `json:"upper"`
	Selectivity *float64    `json:"selectivity,omitempty"`

	// Filter labels the secondary filter for reports. It does not affect
	// planning.
	Filter string `json:"filter,omitempty"`
}

// Between returns the predicate [lower, upper).
func Between(lower, upper types.Key) Predicate {
	return Predicate{Lower: types.At(lower), Upper: types.At(upper)}
}

// Since returns the predicate [lower, +inf).
func Since(lower types.Key) Predicate {
	return Predicate{Lower: types.At(lower), Upper: types.Unbounded()}
}

// Before returns the predicate (-inf, upper).
func Before(upper types.Key) Predicate {
	return Predicate{Lower: types.Unbounded(), Upper: types.At(upper)}
}

// All returns the predicate that covers the whole key domain.
func All() Predicate {
	return Predicate{}
}

// WithSelectivity returns a copy carrying a secondary filter.
func (p Predicate) WithSelectivity(filter string, selectivity float64) Predicate {
	s := selectivity
	p.Selectivity = &s
	p.Filter = filter
	return p
}

// IsEmpty reports whether both bounds are finite and equal.
func (p Predicate) IsEmpty() bool {
	lo, lf := p.Lower.Key()
	hi, hf := p.Upper.Key()
	return lf && hf && lo == hi
}

// IsFullDomain reports whether neither bound is set.
func (p Predicate) IsFullDomain() bool {
	return p.Lower.IsUnbounded() && p.Upper.IsUnbounded()
}

// selectivity returns the secondary-filter multiplier, 1 when absent.
func (p Predicate) selectivity() float64 {
	if p.Selectivity == nil {
		return 1
	}
	return *p.Selectivity
}

// Validate checks bound order and selectivity range.
func (p Predicate) Validate() error {
	lo, lf := p.Lower.Key()
	hi, hf := p.Upper.Key()
	if lf && hf && lo > hi {
		return perrors.InvalidPredicate("lower bound %s is after upper bound %s", lo, hi).
			WithDetails(map[string]interface{}{"lower": lo, "upper": hi})
	}

	if p.Selectivity != nil {
		s := *p.Selectivity
		if math.IsNaN(s) || s < 0 || s > 1 {
			return perrors.InvalidPredicate("selectivity %v is outside [0, 1]", s).
				With("selectivity", s)
		}
	}
	return nil
}

// String renders the predicate as an interval, e.g.
// "[2024-06-01, 2024-09-01) AND status = 'confirmed' (sel=0.40)".
func (p Predicate) String() string {
	var b strings.Builder
	if p.Lower.IsUnbounded() {
		b.WriteString("(-inf, ")
	} else {
		fmt.Fprintf(&b, "[%s, ", p.Lower)
	}
	if p.Upper.IsUnbounded() {
		b.WriteString("+inf)")
	} else {
		fmt.Fprintf(&b, "%s)", p.Upper)
	}
	if p.Selectivity != nil {
		if p.Filter != "" {
			fmt.Fprintf(&b, " AND %s", p.Filter)
		}
		fmt.Fprintf(&b, " (sel=%.2f)", *p.Selectivity)
	}
	return b.String()
}
