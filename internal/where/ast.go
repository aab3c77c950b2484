package where

import (
	"strconv"
	"strings"
)

// Node is a parsed WHERE clause fragment. SQL renders it back as text in
// a normalized form: upper-case keywords, single spaces.
type Node interface {
	SQL() string
}

// Logic is an n-ary AND or OR. Chains like a AND b AND c parse into one
// node with three terms.
type Logic struct {
	Op    string
	Terms []Node
}

// Not is a boolean negation.
type Not struct{ X Node }

// Neg is an arithmetic negation, as in -3.
type Neg struct{ X Node }

// Compare is L Op R for one of = <> != < <= > >=.
type Compare struct {
	Op   string
	L, R Node
}

// Column is an optionally qualified column name.
type Column struct {
	Qualifier string
	Name      string
}

// Value is a literal: string, int64, float64, bool or nil for NULL.
type Value struct{ V interface{} }

// Call is a function application. Calls never bound the key.
type Call struct {
	Func string
	Args []Node
}

type InList struct {
	X       Node
	List    []Node
	Negated bool
}

// Between is inclusive at both ends.
type Between struct {
	X, Lo, Hi Node
	Negated   bool
}

type NullTest struct {
	X       Node
	Negated bool
}

type Like struct {
	X, Pattern Node
	Negated    bool
}

// Group is an explicit pair of parentheses.
type Group struct{ X Node }

func (n *Logic) SQL() string { return joinSQL(n.Terms, " "+n.Op+" ") }
func (n *Not) SQL() string   { return "NOT " + n.X.SQL() }
func (n *Neg) SQL() string   { return "-" + n.X.SQL() }
func (n *Group) SQL() string { return "(" + n.X.SQL() + ")" }

func (n *Compare) SQL() string { return n.L.SQL() + " " + n.Op + " " + n.R.SQL() }

func (n *Column) SQL() string {
	if n.Qualifier == "" {
		return n.Name
	}
	return n.Qualifier + "." + n.Name
}

func (n *Value) SQL() string {
	switch v := n.V.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strings.ToUpper(strconv.FormatBool(v))
	default:
		return "?"
	}
}

func (n *Call) SQL() string { return n.Func + "(" + joinSQL(n.Args, ", ") + ")" }

func (n *InList) SQL() string {
	return n.X.SQL() + keyword(n.Negated, "IN") + "(" + joinSQL(n.List, ", ") + ")"
}

func (n *Between) SQL() string {
	return n.X.SQL() + keyword(n.Negated, "BETWEEN") + n.Lo.SQL() + " AND " + n.Hi.SQL()
}

func (n *NullTest) SQL() string {
	if n.Negated {
		return n.X.SQL() + " IS NOT NULL"
	}
	return n.X.SQL() + " IS NULL"
}

func (n *Like) SQL() string { return n.X.SQL() + keyword(n.Negated, "LIKE") + n.Pattern.SQL() }

// keyword renders " KW " or " NOT KW ".
func keyword(negated bool, kw string) string {
	if negated {
		return " NOT " + kw + " "
	}
	return " " + kw + " "
}

func joinSQL(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.SQL()
	}
	return strings.Join(parts, sep)
}
