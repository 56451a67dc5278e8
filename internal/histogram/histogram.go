// Package histogram implements the small mergeable column summaries carried
// alongside every block: a count for every column, min/max/sum for numeric
// columns and a true count for boolean columns.
//
// A Histogram always carries its Type tag so that merges across nodes can
// dispatch on it. Histograms travel between nodes in msgpack binary form.
package histogram

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrTypeMismatch is returned when merging histograms of different types.
var ErrTypeMismatch = errors.New("histogram type mismatch")

// Type tags the kind of summary a Histogram carries.
type Type uint8

const (
	// Base counts values only (strings and unknown columns).
	Base Type = iota
	Bool
	Int
	Real
)

func (t Type) String() string {
	switch t {
	case Base:
		return "base"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Real:
		return "real"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Histogram is a mergeable per-column summary. The zero value of a given
// Type (see New) is the identity for Merge.
type Histogram struct {
	Type  Type   `msgpack:"t"`
	Count uint64 `msgpack:"c"`

	// Bool
	TrueCount uint64 `msgpack:"tc,omitempty"`

	// Int
	IntMin int64 `msgpack:"imin,omitempty"`
	IntMax int64 `msgpack:"imax,omitempty"`
	IntSum int64 `msgpack:"isum,omitempty"`

	// Real
	RealMin float64 `msgpack:"rmin,omitempty"`
	RealMax float64 `msgpack:"rmax,omitempty"`
	RealSum float64 `msgpack:"rsum,omitempty"`
}

// New returns an empty histogram of the given type.
func New(t Type) Histogram {
	h := Histogram{Type: t}
	switch t {
	case Int:
		h.IntMin = math.MaxInt64
		h.IntMax = math.MinInt64
	case Real:
		h.RealMin = math.Inf(1)
		h.RealMax = math.Inf(-1)
	}
	return h
}

// Observe folds one value into the histogram. Values of the wrong Go type for
// the histogram only bump Count.
func (h *Histogram) Observe(v any) {
	h.Count++
	switch h.Type {
	case Bool:
		if b, ok := v.(bool); ok && b {
			h.TrueCount++
		}
	case Int:
		if n, ok := v.(int64); ok {
			h.IntMin = min(h.IntMin, n)
			h.IntMax = max(h.IntMax, n)
			h.IntSum += n
		}
	case Real:
		if f, ok := v.(float64); ok {
			h.RealMin = math.Min(h.RealMin, f)
			h.RealMax = math.Max(h.RealMax, f)
			h.RealSum += f
		}
	}
}

// Merge folds other into h.
func (h *Histogram) Merge(other Histogram) error {
	if h.Type != other.Type {
		return fmt.Errorf("%w: %s vs %s", ErrTypeMismatch, h.Type, other.Type)
	}
	if other.Count == 0 {
		return nil
	}
	if h.Count == 0 {
		*h = other
		return nil
	}
	h.Count += other.Count
	switch h.Type {
	case Bool:
		h.TrueCount += other.TrueCount
	case Int:
		h.IntMin = min(h.IntMin, other.IntMin)
		h.IntMax = max(h.IntMax, other.IntMax)
		h.IntSum += other.IntSum
	case Real:
		h.RealMin = math.Min(h.RealMin, other.RealMin)
		h.RealMax = math.Max(h.RealMax, other.RealMax)
		h.RealSum += other.RealSum
	}
	return nil
}

// Clone returns an independent copy.
func (h Histogram) Clone() Histogram {
	return h
}

// Empty reports whether no value was observed.
func (h Histogram) Empty() bool { return h.Count == 0 }

// MarshalBinary encodes the histogram with msgpack.
func (h Histogram) MarshalBinary() ([]byte, error) {
	type plain Histogram
	return msgpack.Marshal(plain(h))
}

// UnmarshalBinary decodes a histogram produced by MarshalBinary.
func (h *Histogram) UnmarshalBinary(data []byte) error {
	type plain Histogram
	var p plain
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode histogram: %w", err)
	}
	*h = Histogram(p)
	return nil
}

func (h Histogram) String() string {
	switch h.Type {
	case Bool:
		return fmt.Sprintf("{type:bool,count:%d,true:%d}", h.Count, h.TrueCount)
	case Int:
		if h.Count == 0 {
			return "{type:int,count:0}"
		}
		return fmt.Sprintf("{type:int,count:%d,min:%d,max:%d,sum:%d}", h.Count, h.IntMin, h.IntMax, h.IntSum)
	case Real:
		if h.Count == 0 {
			return "{type:real,count:0}"
		}
		return fmt.Sprintf("{type:real,count:%d,min:%g,max:%g,sum:%g}", h.Count, h.RealMin, h.RealMax, h.RealSum)
	default:
		return fmt.Sprintf("{type:%s,count:%d}", h.Type, h.Count)
	}
}

// MergeAll merges a vector of per-column histograms into dst, column by
// column. dst grows to the length of src when shorter.
func MergeAll(dst []Histogram, src []Histogram) ([]Histogram, error) {
	for i, h := range src {
		if i >= len(dst) {
			dst = append(dst, h.Clone())
			continue
		}
		if err := dst[i].Merge(h); err != nil {
			return dst, fmt.Errorf("column %d: %w", i, err)
		}
	}
	return dst, nil
}
