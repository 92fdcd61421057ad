package store

import (
	"fmt"
	"strings"

	"github.com/roach88/transit/internal/querysql"
	"github.com/roach88/transit/internal/schema"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name string
	Bind querysql.Dialect
	// Types maps a field kind to its column type.
	Types map[schema.Kind]string
}

// SQLite is the dialect of the sqlite backend.
var SQLite = Dialect{
	Name: "sqlite",
	Bind: querysql.Question,
	Types: map[schema.Kind]string{
		schema.KindString:  "TEXT",
		schema.KindInt:     "INTEGER",
		schema.KindDecimal: "REAL",
		schema.KindBool:    "INTEGER",
	},
}

// Postgres is the dialect of the postgres backend.
var Postgres = Dialect{
	Name: "postgres",
	Bind: querysql.Dollar,
	Types: map[schema.Kind]string{
		schema.KindString:  "TEXT",
		schema.KindInt:     "BIGINT",
		schema.KindDecimal: "DECIMAL",
		schema.KindBool:    "BOOLEAN",
	},
}

// Placeholders returns n comma-separated placeholders starting at start
// (1-based).
func (d Dialect) Placeholders(start, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = d.Bind.Placeholder(start + i)
	}
	return strings.Join(marks, ", ")
}

// P returns the placeholder for the n-th parameter.
func (d Dialect) P(n int) string {
	return d.Bind.Placeholder(n)
}

// CreateModelTable returns the DDL for a model's table: id primary key,
// state, and one column per distinct field. A column is NOT NULL only when
// its field appears in every state and is not optional.
func (d Dialect) CreateModelTable(m *schema.Model) string {
	lines := []string{
		"\tid TEXT PRIMARY KEY",
		"\tstate TEXT NOT NULL",
	}
	for _, col := range m.Columns() {
		line := fmt.Sprintf("\t%s %s", col.Name, d.Types[col.Type.Kind])
		if col.NotNull {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", m.Table(), strings.Join(lines, ",\n"))
}
