package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		value   any
		wantErr string
	}{
		{"string ok", String, "hello", ""},
		{"string rejects int", String, 42, "not a string"},
		{"string rejects nil", String, nil, "value is required"},
		{"int ok", Int, 42, ""},
		{"int accepts int64", Int, int64(42), ""},
		{"int accepts whole float", Int, float64(3), ""},
		{"int rejects fraction", Int, 3.5, "not an integer"},
		{"int rejects string", Int, "3", "not an integer"},
		{"decimal ok", Decimal, 3.5, ""},
		{"decimal accepts int", Decimal, 3, ""},
		{"decimal rejects bool", Decimal, true, "not a number"},
		{"bool ok", Bool, false, ""},
		{"bool rejects int", Bool, 1, "not a boolean"},
		{"optional nil", Optional(Int), nil, ""},
		{"optional validates nested", Optional(Int), "x", "not an integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.Validate(tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTypeCoerce(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		value any
		want  any
	}{
		{"int from int", Int, 7, int64(7)},
		{"int from float", Int, float64(7), int64(7)},
		{"decimal from numeric text", Decimal, "2.50", 2.5},
		{"decimal from bytes", Decimal, []byte("1.25"), 1.25},
		{"bool from sqlite integer", Bool, int64(1), true},
		{"bool from false integer", Bool, int64(0), false},
		{"string from bytes", String, []byte("abc"), "abc"},
		{"nil stays nil", Optional(String), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Coerce(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypeCoerceRejectsMismatch(t *testing.T) {
	_, err := Int.Coerce("abc")
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"String", String},
		{"Int", Int},
		{"Decimal", Decimal},
		{"Bool", Bool},
		{"Optional(Int)", Optional(Int)},
		{"String?", Optional(String)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}

	_, err := ParseType("Float")
	assert.Error(t, err)
	_, err = ParseType("Optional(Int?)")
	assert.Error(t, err)
}
