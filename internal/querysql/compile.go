// Package querysql compiles object filters into parameterized SQL.
//
// All values are bound as parameters, never interpolated. Identifiers
// (tables and columns) come from validated schema metadata only.
package querysql

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dialect selects the placeholder style.
type Dialect int

const (
	// Question uses "?" placeholders (SQLite).
	Question Dialect = iota
	// Dollar uses "$1", "$2", ... placeholders (PostgreSQL).
	Dollar
)

// Placeholder returns the placeholder for the n-th parameter (1-based).
func (d Dialect) Placeholder(n int) string {
	if d == Dollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Predicate is a WHERE clause fragment.
type Predicate interface {
	predicate()
}

// Equals matches rows where Column = Value. A nil Value matches NULL.
type Equals struct {
	Column string
	Value  any
}

// In matches rows where Column is any of Values. An empty list matches
// nothing.
type In struct {
	Column string
	Values []any
}

// And is the conjunction of its predicates. An empty And is always true.
type And []Predicate

func (Equals) predicate() {}
func (In) predicate()     {}
func (And) predicate()    {}

// Select is a single-table query.
type Select struct {
	Table   string
	Columns []string // nil selects *
	Where   Predicate
	Limit   int // <= 0 means no limit
}

// SQLCompiler compiles Select queries for one dialect.
//
// Every query is ordered by id so results are deterministic across calls
// and backends.
type SQLCompiler struct {
	Dialect Dialect

	n int
}

// NewSQLCompiler creates a compiler for the dialect.
func NewSQLCompiler(d Dialect) *SQLCompiler {
	return &SQLCompiler{Dialect: d}
}

// Compile converts a Select to SQL. Returns (sql, params, error).
func (c *SQLCompiler) Compile(q Select) (string, []any, error) {
	if q.Table == "" {
		return "", nil, fmt.Errorf("select without table")
	}
	c.n = 0

	cols := "*"
	if len(q.Columns) > 0 {
		cols = strings.Join(q.Columns, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, q.Table)

	var params []any
	if q.Where != nil {
		where, whereParams, err := c.compilePredicate(q.Where)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = whereParams
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(c.stableOrderKey())

	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.Limit))
	}
	return b.String(), params, nil
}

// FromMap builds an And of Equals/In predicates from a column → value map.
// Slice values become In. Columns are sorted for deterministic output.
func FromMap(where map[string]any) And {
	cols := make([]string, 0, len(where))
	for col := range where {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	preds := make(And, 0, len(cols))
	for _, col := range cols {
		if values, ok := asList(where[col]); ok {
			preds = append(preds, In{Column: col, Values: values})
			continue
		}
		preds = append(preds, Equals{Column: col, Value: where[col]})
	}
	return preds
}

// stableOrderKey returns the ORDER BY clause body. Ids are time-sortable, so
// this is also creation order.
func (c *SQLCompiler) stableOrderKey() string {
	return "id ASC"
}

func (c *SQLCompiler) compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return c.compileEquals(pred)
	case In:
		return c.compileIn(pred)
	case And:
		return c.compileAnd(pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileEquals(eq Equals) (string, []any, error) {
	if eq.Column == "" {
		return "", nil, fmt.Errorf("equals without column")
	}
	if eq.Value == nil {
		return eq.Column + " IS NULL", nil, nil
	}
	return eq.Column + " = " + c.next(), []any{eq.Value}, nil
}

func (c *SQLCompiler) compileIn(in In) (string, []any, error) {
	if in.Column == "" {
		return "", nil, fmt.Errorf("in without column")
	}
	if len(in.Values) == 0 {
		return "1 = 0", nil, nil
	}
	marks := make([]string, len(in.Values))
	for i := range in.Values {
		marks[i] = c.next()
	}
	return fmt.Sprintf("%s IN (%s)", in.Column, strings.Join(marks, ", ")), append([]any(nil), in.Values...), nil
}

func (c *SQLCompiler) compileAnd(and And) (string, []any, error) {
	if len(and) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(and))
	var params []any
	for _, p := range and {
		sql, ps, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func (c *SQLCompiler) next() string {
	c.n++
	return c.Dialect.Placeholder(c.n)
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
