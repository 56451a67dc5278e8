package column

import (
	"fmt"

	"nebula/internal/histogram"
)

// vector is one column's storage. Exactly one of the typed slices is used,
// selected by typ; nulls marks absent values at the same positions.
type vector struct {
	typ     Type
	bools   []bool
	ints    []int64
	reals   []float64
	strings []string
	nulls   []bool
}

func (v *vector) append(val any) {
	isNull := val == nil
	v.nulls = append(v.nulls, isNull)
	switch v.typ {
	case Bool:
		b, _ := val.(bool)
		v.bools = append(v.bools, b)
	case Int:
		n, _ := val.(int64)
		v.ints = append(v.ints, n)
	case Real:
		f, _ := val.(float64)
		v.reals = append(v.reals, f)
	case String:
		s, _ := val.(string)
		v.strings = append(v.strings, s)
	}
}

func (v *vector) value(i int) any {
	if v.nulls[i] {
		return nil
	}
	switch v.typ {
	case Bool:
		return v.bools[i]
	case Int:
		return v.ints[i]
	case Real:
		return v.reals[i]
	case String:
		return v.strings[i]
	}
	return nil
}

// Batch is an append-only columnar batch. It is not safe for concurrent
// mutation; once a block is registered its batch is only read.
type Batch struct {
	schema  Schema
	vectors []*vector
	hists   []histogram.Histogram
	rows    int
	rawSize int64
}

// NewBatch creates an empty batch for schema.
func NewBatch(schema Schema) *Batch {
	b := &Batch{
		schema:  schema,
		vectors: make([]*vector, len(schema)),
		hists:   make([]histogram.Histogram, len(schema)),
	}
	for i, c := range schema {
		b.vectors[i] = &vector{typ: c.Type}
		b.hists[i] = histogram.New(c.Type.HistogramType())
	}
	return b
}

// Append coerces and appends one row.
func (b *Batch) Append(row []any) error {
	if len(row) != len(b.schema) {
		return fmt.Errorf("%w: got %d values, schema has %d", ErrArity, len(row), len(b.schema))
	}
	values := make([]any, len(row))
	for i, raw := range row {
		v, err := Coerce(b.schema[i].Type, raw)
		if err != nil {
			return fmt.Errorf("column %s: %w", b.schema[i].Name, err)
		}
		values[i] = v
	}
	for i, v := range values {
		b.vectors[i].append(v)
		if v != nil {
			b.hists[i].Observe(v)
		}
		b.rawSize += valueSize(v)
	}
	b.rows++
	return nil
}

// Schema returns the batch schema.
func (b *Batch) Schema() Schema { return b.schema }

// NumRows returns the row count.
func (b *Batch) NumRows() int { return b.rows }

// RawSize approximates the uncompressed size of the data in bytes.
func (b *Batch) RawSize() int64 { return b.rawSize }

// Value returns the value at (col, row).
func (b *Batch) Value(col, row int) any {
	return b.vectors[col].value(row)
}

// Row materializes one row.
func (b *Batch) Row(i int) []any {
	out := make([]any, len(b.vectors))
	for c, v := range b.vectors {
		out[c] = v.value(i)
	}
	return out
}

// Histograms returns a copy of the per-column histograms.
func (b *Batch) Histograms() []histogram.Histogram {
	out := make([]histogram.Histogram, len(b.hists))
	copy(out, b.hists)
	return out
}

func valueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 1
	case bool:
		return 1
	case int64, float64:
		return 8
	case string:
		return int64(len(x))
	default:
		return 8
	}
}
