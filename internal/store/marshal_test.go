package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/testutil"
)

func TestMarshalData(t *testing.T) {
	t.Run("empty is NULL", func(t *testing.T) {
		v, err := marshalData(nil)
		require.NoError(t, err)
		assert.Nil(t, v)

		v, err = marshalData(ir.Fields{})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("sorted keys without HTML escaping", func(t *testing.T) {
		v, err := marshalData(ir.Fields{"subject": "<hi>", "count": int64(2)})
		require.NoError(t, err)
		assert.Equal(t, `{"count":2,"subject":"<hi>"}`, v)
	})
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ir.Fields
	}{
		{"null", "", ir.Fields{}},
		{"whole number", `{"n":3}`, ir.Fields{"n": int64(3)}},
		{"fraction", `{"n":2.5}`, ir.Fields{"n": 2.5}},
		{"mixed", `{"s":"x","b":true,"z":null}`, ir.Fields{"s": "x", "b": true, "z": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeData([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeData([]byte(`[1]`))
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	inputs := []string{
		"2024-05-06T07:08:09.123456Z",
		"2024-05-06 07:08:09.123456+00:00",
		"2024-05-06 09:08:09.123456+02",
		"2024-05-06 07:08:09.123456",
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %v", in, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}

func TestObjectRowClearsOtherStateColumns(t *testing.T) {
	m, ok := testutil.Schema().Model("User")
	require.True(t, ok)

	cols, values := objectRow(m, ir.Object{
		ID:     "user_1",
		State:  "Deleted",
		Fields: ir.Fields{"name": "Ada", "nickname": "stale"},
	})
	assert.Equal(t, []string{"id", "state", "name", "nickname", "age"}, cols)
	assert.Equal(t, []any{"user_1", "Deleted", "Ada", nil, nil}, values)
}

func TestDecodeObjectKeepsStateFields(t *testing.T) {
	m, ok := testutil.Schema().Model("TypesTest")
	require.True(t, ok)

	obj, err := decodeObject(m, "tt_1", "Created", map[string]any{
		"label":   []byte("x"),
		"count":   int64(4),
		"amount":  "1.25",
		"extra":   nil,
		"enabled": int64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.Fields{"label": "x", "count": int64(4), "amount": 1.25, "extra": nil, "enabled": true}, obj.Fields)

	_, err = decodeObject(m, "tt_1", "Gone", nil)
	assert.Error(t, err)
}
