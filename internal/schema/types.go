package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the scalar kind of a field.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindDecimal
	KindBool
)

var kindNames = map[Kind]string{
	KindString:  "String",
	KindInt:     "Int",
	KindDecimal: "Decimal",
	KindBool:    "Bool",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type is a field's data type: a scalar kind, optionally nullable.
type Type struct {
	Kind     Kind
	Optional bool
}

// Scalar types.
var (
	String  = Type{Kind: KindString}
	Int     = Type{Kind: KindInt}
	Decimal = Type{Kind: KindDecimal}
	Bool    = Type{Kind: KindBool}
)

// Optional wraps t so that nil is an accepted value.
func Optional(t Type) Type {
	t.Optional = true
	return t
}

func (t Type) String() string {
	if t.Optional {
		return "Optional(" + t.Kind.String() + ")"
	}
	return t.Kind.String()
}

// ParseType parses "String", "Int", "Decimal", "Bool", "Optional(<kind>)"
// or the shorthand "<kind>?".
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if inner, ok := strings.CutPrefix(s, "Optional("); ok && strings.HasSuffix(inner, ")") {
		t, err := ParseType(strings.TrimSuffix(inner, ")"))
		if err != nil {
			return Type{}, err
		}
		if t.Optional {
			return Type{}, fmt.Errorf("nested optional type %q", s)
		}
		return Optional(t), nil
	}
	if inner, ok := strings.CutSuffix(s, "?"); ok {
		return ParseType("Optional(" + inner + ")")
	}
	for k, name := range kindNames {
		if name == s {
			return Type{Kind: k}, nil
		}
	}
	return Type{}, fmt.Errorf("unsupported type %q", s)
}

// Validate checks v against the type contract. Accepted Go values:
//
//	String:  string
//	Int:     any integer type, or a float64 with no fractional part
//	Decimal: any integer or float type
//	Bool:    bool
//
// nil is accepted only for optional types.
func (t Type) Validate(v any) error {
	if v == nil {
		if t.Optional {
			return nil
		}
		return fmt.Errorf("value is required")
	}

	switch t.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("not a string")
		}
	case KindInt:
		if _, ok := toInt64(v); !ok {
			return fmt.Errorf("not an integer")
		}
	case KindDecimal:
		if _, ok := toFloat64(v); !ok {
			return fmt.Errorf("not a number")
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("not a boolean")
		}
	default:
		return fmt.Errorf("unknown kind %v", t.Kind)
	}
	return nil
}

// Coerce converts a value read from storage into its canonical Go form:
// string, int64, float64, bool or nil. Drivers return integers for SQLite
// booleans, strings for Postgres numerics and []byte for text in some paths.
func (t Type) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
		}
	case KindDecimal:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, nil
			}
		}
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot read %T as %s", v, t)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
