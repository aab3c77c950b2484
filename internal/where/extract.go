package where

import (
	"strings"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/pkg/types"
)

// Predicate parses clause and extracts the range on column. A blank clause
// covers the whole domain.
func Predicate(clause, column string) (planner.Predicate, error) {
	expr, err := Parse(clause)
	if err != nil {
		return planner.Predicate{}, perrors.Wrap(perrors.ErrCategoryPredicate, perrors.CodeInvalidPredicate,
			"invalid WHERE clause", err).With("where", clause)
	}
	return Extract(expr, column)
}

// Extract derives a planner predicate from expr for a table partitioned on
// column. Top-level AND conjuncts comparing column with date literals
// narrow the key range; every other conjunct is joined into Filter. The
// range is always a superset of the rows expr selects.
//
// Contradictory bounds produce an empty range rather than an error.
func Extract(expr Node, column string) (planner.Predicate, error) {
	if column == "" {
		return planner.Predicate{}, perrors.InvalidPredicate("partition key column is required")
	}

	r := keyRange{column: column}
	var residual []string
	for _, c := range conjuncts(expr) {
		consumed, err := r.apply(c)
		if err != nil {
			return planner.Predicate{}, err
		}
		if !consumed {
			residual = append(residual, c.SQL())
		}
	}

	pred := planner.Predicate{Lower: types.Unbounded(), Upper: types.Unbounded()}
	if r.hasLower {
		pred.Lower = types.At(r.lower)
	}
	if r.hasUpper {
		pred.Upper = types.At(r.upper)
		if r.hasLower && r.upper < r.lower {
			pred.Upper = pred.Lower
		}
	}
	pred.Filter = strings.Join(residual, " AND ")
	return pred, nil
}

// conjuncts flattens top-level ANDs, looking through parentheses.
func conjuncts(expr Node) []Node {
	switch e := expr.(type) {
	case nil:
		return nil
	case *Logic:
		if e.Op == "AND" {
			var out []Node
			for _, t := range e.Terms {
				out = append(out, conjuncts(t)...)
			}
			return out
		}
	case *Group:
		if l, ok := e.X.(*Logic); ok && l.Op == "AND" {
			return conjuncts(l)
		}
	}
	return []Node{expr}
}

// keyRange accumulates [lower, upper) as the intersection of every bound
// seen so far.
type keyRange struct {
	column   string
	lower    types.Key
	upper    types.Key
	hasLower bool
	hasUpper bool
}

func (r *keyRange) atLeast(k types.Key) {
	if !r.hasLower || k > r.lower {
		r.lower, r.hasLower = k, true
	}
}

func (r *keyRange) below(k types.Key) {
	if !r.hasUpper || k < r.upper {
		r.upper, r.hasUpper = k, true
	}
}

// apply narrows r by c and reports whether c is fully captured by the
// range.
func (r *keyRange) apply(c Node) (bool, error) {
	switch e := c.(type) {
	case *Group:
		return r.apply(e.X)
	case *Compare:
		return r.applyComparison(e)
	case *Between:
		if e.Negated || !r.isKey(e.X) {
			return false, nil
		}
		low, err := r.keyOf(e.Lo)
		if err != nil {
			return false, err
		}
		high, err := r.keyOf(e.Hi)
		if err != nil {
			return false, err
		}
		r.atLeast(low)
		r.below(high + 1)
		return true, nil
	case *InList:
		if e.Negated || !r.isKey(e.X) {
			return false, nil
		}
		var lo, hi types.Key
		for i, v := range e.List {
			k, err := r.keyOf(v)
			if err != nil {
				return false, err
			}
			if i == 0 || k < lo {
				lo = k
			}
			if i == 0 || k > hi {
				hi = k
			}
		}
		r.atLeast(lo)
		r.below(hi + 1)
		return len(e.List) == 1, nil
	}
	return false, nil
}

func (r *keyRange) applyComparison(e *Compare) (bool, error) {
	op := e.Op
	var value Node
	switch {
	case r.isKey(e.L) && !r.isKey(e.R):
		value = e.R
	case r.isKey(e.R) && !r.isKey(e.L):
		value = e.L
		op = flip(op)
	default:
		return false, nil
	}
	if _, ok := value.(*Value); !ok {
		return false, nil
	}

	switch op {
	case "=", "<", "<=", ">", ">=":
	default:
		return false, nil
	}
	k, err := r.keyOf(value)
	if err != nil {
		return false, err
	}

	switch op {
	case "=":
		r.atLeast(k)
		r.below(k + 1)
	case ">=":
		r.atLeast(k)
	case ">":
		r.atLeast(k + 1)
	case "<":
		r.below(k)
	case "<=":
		r.below(k + 1)
	}
	return true, nil
}

func (r *keyRange) isKey(e Node) bool {
	col, ok := e.(*Column)
	return ok && strings.EqualFold(col.Name, r.column)
}

func (r *keyRange) keyOf(e Node) (types.Key, error) {
	if g, ok := e.(*Group); ok {
		return r.keyOf(g.X)
	}
	lit, ok := e.(*Value)
	if !ok {
		return 0, perrors.InvalidPredicate("%s must be compared with a date literal, got %s", r.column, e.SQL()).
			With("column", r.column)
	}
	s, ok := lit.V.(string)
	if !ok {
		return 0, perrors.InvalidPredicate("%s must be compared with a date literal, got %s", r.column, lit.SQL()).
			With("column", r.column)
	}
	k, err := types.ParseKey(s)
	if err != nil {
		return 0, perrors.Wrap(perrors.ErrCategoryPredicate, perrors.CodeInvalidPredicate,
			"invalid date literal for "+r.column, err).With("value", s)
	}
	return k, nil
}

// flip mirrors a comparison so that the key is on the left.
func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}
