package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
)

// marshalData converts a transition payload to JSON text for storage.
// An empty payload is stored as NULL.
func marshalData(data ir.Fields) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(data)); err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// DecodeData parses a stored transition payload. Whole numbers decode as
// int64 and other numbers as float64. NULL or empty input yields an empty,
// non-nil map.
func DecodeData(raw []byte) (ir.Fields, error) {
	if len(raw) == 0 {
		return ir.Fields{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	out := make(ir.Fields, len(m))
	for k, v := range m {
		out[k] = normalizeNumber(v)
	}
	return out, nil
}

func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// timeLayouts are the text forms timestamps may arrive in: driver output for
// SQLite DATETIME columns and Postgres timestamptz text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses a timestamp from any of the stored text forms and
// returns it in UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return ParseTime(t)
	case []byte:
		return ParseTime(string(t))
	}
	return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
}

// decodeObject builds an object from a model row. Only the fields declared
// for the row's current state are kept.
func decodeObject(m *schema.Model, id, state string, values map[string]any) (ir.Object, error) {
	st, ok := m.State(state)
	if !ok {
		return ir.Object{}, fmt.Errorf("object %s: unknown state %q for %s", id, state, m.Name)
	}
	fields := make(ir.Fields, len(st.Fields))
	for _, f := range st.Fields {
		v, err := f.Type.Coerce(values[schema.ColumnName(f.Name)])
		if err != nil {
			return ir.Object{}, fmt.Errorf("object %s: field %s: %w", id, f.Name, err)
		}
		fields[f.Name] = v
	}
	return ir.Object{ID: id, State: state, Fields: fields}, nil
}

// objectRow returns the column values written for obj: fields of its state
// get their value, every other column is cleared.
func objectRow(m *schema.Model, obj ir.Object) (cols []string, values []any) {
	cols = []string{"id", "state"}
	values = []any{obj.ID, obj.State}

	st, _ := m.State(obj.State)
	for _, col := range m.Columns() {
		cols = append(cols, col.Name)
		if st != nil {
			if _, declared := st.Field(col.Field); declared {
				values = append(values, obj.Fields[col.Field])
				continue
			}
		}
		values = append(values, nil)
	}
	return cols, values
}
