// Package column holds the in-memory columnar representation of block data.
//
// The encoding here is deliberately plain: one typed vector per column plus a
// null mask. Values cross package boundaries as Go scalars (bool, int64,
// float64, string) or nil.
package column

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nebula/internal/histogram"
)

var (
	ErrArity       = errors.New("row arity does not match schema")
	ErrUnknownType = errors.New("unknown column type")
)

// Type is the logical type of a column.
type Type uint8

const (
	Bool Type = iota + 1
	Int
	Real
	String
)

func (t Type) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Real:
		return "real"
	case String:
		return "string"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses a type name as written in table configuration.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return Bool, nil
	case "int", "integer", "long", "bigint":
		return Int, nil
	case "real", "float", "double":
		return Real, nil
	case "string", "varchar", "text":
		return String, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// HistogramType returns the histogram kind kept for columns of this type.
func (t Type) HistogramType() histogram.Type {
	switch t {
	case Bool:
		return histogram.Bool
	case Int:
		return histogram.Int
	case Real:
		return histogram.Real
	default:
		return histogram.Base
	}
}

// Column describes one column of a schema.
type Column struct {
	Name string `msgpack:"name" yaml:"name"`
	Type Type   `msgpack:"type" yaml:"-"`
}

// Schema is an ordered list of columns.
type Schema []Column

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Coerce converts a decoded scalar (JSON numbers arrive as float64, msgpack
// integers in any width, CSV fields as strings) into the canonical Go type
// for t. It returns nil for nil input and an error when no sensible
// conversion exists.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(x) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no", "":
				return false, nil
			}
		}
	case Int:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case uint8:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint64:
			return int64(x), nil //nolint:gosec // column values fit in int64
		case float64:
			return int64(x), nil
		case float32:
			return int64(x), nil
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n, nil
			}
		}
	case Real:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, nil
			}
		}
		if n, err := Coerce(Int, v); err == nil && n != nil {
			return float64(n.(int64)), nil
		}
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}

// Normalize canonicalizes a scalar of unknown type: every integer width
// becomes int64 and float32 becomes float64. Used on values decoded from the
// wire.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x) //nolint:gosec
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x) //nolint:gosec
	case float32:
		return float64(x)
	default:
		return v
	}
}
