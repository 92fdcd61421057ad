package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_SimpleSelect(t *testing.T) {
	compiler := NewSQLCompiler(Question)

	sql, params, err := compiler.Compile(Select{
		Table: "users",
		Where: FromMap(map[string]any{"state": "Created"}),
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM users WHERE state = ? ORDER BY id ASC", sql)
	assert.Equal(t, []any{"Created"}, params)
}

func TestCompile_InAndEqualsDollar(t *testing.T) {
	compiler := NewSQLCompiler(Dollar)

	sql, params, err := compiler.Compile(Select{
		Table:   "users",
		Columns: []string{"id", "state", "name"},
		Where: FromMap(map[string]any{
			"state": []string{"Created", "Deleted"},
			"name":  "Ada",
		}),
		Limit: 5,
	})
	require.NoError(t, err)

	// Columns sorted: name before state.
	assert.Equal(t, "SELECT id, state, name FROM users WHERE name = $1 AND state IN ($2, $3) ORDER BY id ASC LIMIT 5", sql)
	assert.Equal(t, []any{"Ada", "Created", "Deleted"}, params)
}

func TestCompile_ValuesNeverInterpolated(t *testing.T) {
	sql, params, err := NewSQLCompiler(Question).Compile(Select{
		Table: "users",
		Where: Equals{Column: "name", Value: "'; DROP TABLE users; --"},
	})
	require.NoError(t, err)
	assert.NotContains(t, sql, "DROP")
	assert.Len(t, params, 1)
}

func TestCompile_NullAndEmptyIn(t *testing.T) {
	compiler := NewSQLCompiler(Question)

	sql, params, err := compiler.Compile(Select{
		Table: "users",
		Where: And{Equals{Column: "nickname"}, In{Column: "id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE nickname IS NULL AND 1 = 0 ORDER BY id ASC", sql)
	assert.Empty(t, params)
}

func TestCompile_EmptyAnd(t *testing.T) {
	sql, _, err := NewSQLCompiler(Question).Compile(Select{Table: "users", Where: And{}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE 1 = 1 ORDER BY id ASC", sql)
}

func TestCompile_CompilerReusable(t *testing.T) {
	compiler := NewSQLCompiler(Dollar)
	q := Select{Table: "users", Where: Equals{Column: "id", Value: "u1"}}

	first, _, err := compiler.Compile(q)
	require.NoError(t, err)
	second, _, err := compiler.Compile(q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompile_Errors(t *testing.T) {
	compiler := NewSQLCompiler(Question)

	_, _, err := compiler.Compile(Select{})
	assert.Error(t, err)

	_, _, err = compiler.Compile(Select{Table: "users", Where: Equals{Value: 1}})
	assert.Error(t, err)
}
