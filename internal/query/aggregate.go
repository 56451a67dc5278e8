package query

import (
	"fmt"
	"strings"

	"nebula/internal/column"
)

// MaxGroupCardinality limits the number of distinct groups to prevent memory exhaustion.
const MaxGroupCardinality = 100_000

// accumulator folds values for one aggregate. add takes raw column values on
// the node; merge takes partial values produced by result.
type accumulator struct {
	fn    AggFunc
	count int64
	isum  int64
	fsum  float64
	real  bool
	val   any
	seen  bool
}

func (a *accumulator) add(v any) {
	if v == nil {
		return
	}
	switch a.fn {
	case Count:
		a.count++
	case Sum:
		switch x := v.(type) {
		case int64:
			a.isum += x
			a.seen = true
		case float64:
			a.fsum += x
			a.real = true
			a.seen = true
		}
	case Min:
		if !a.seen || compareNullable(v, a.val) < 0 {
			a.val = v
			a.seen = true
		}
	case Max:
		if !a.seen || compareNullable(v, a.val) > 0 {
			a.val = v
			a.seen = true
		}
	}
}

func (a *accumulator) merge(v any) {
	v = column.Normalize(v)
	if a.fn == Count {
		if n, ok := v.(int64); ok {
			a.count += n
		}
		return
	}
	a.add(v)
}

func (a *accumulator) result() any {
	switch a.fn {
	case Count:
		return a.count
	case Sum:
		if !a.seen {
			return nil
		}
		if a.real {
			return float64(a.isum) + a.fsum
		}
		return a.isum
	default:
		return a.val
	}
}

type group struct {
	keys []any
	accs []accumulator
}

// groupTable accumulates groups in first-seen order.
type groupTable struct {
	aggs      []Agg
	groups    map[string]*group
	order     []*group
	truncated bool
}

func newGroupTable(aggs []Agg) *groupTable {
	return &groupTable{aggs: aggs, groups: make(map[string]*group)}
}

// get returns the group for keys, or nil once the cardinality cap is hit.
func (t *groupTable) get(keys []any) *group {
	k := makeGroupKey(keys)
	if g, ok := t.groups[k]; ok {
		return g
	}
	if len(t.groups) >= MaxGroupCardinality {
		t.truncated = true
		return nil
	}
	g := &group{keys: append([]any(nil), keys...), accs: make([]accumulator, len(t.aggs))}
	for i, a := range t.aggs {
		g.accs[i].fn = a.Func
	}
	t.groups[k] = g
	t.order = append(t.order, g)
	return g
}

func (t *groupTable) rows() [][]any {
	out := make([][]any, 0, len(t.order))
	for _, g := range t.order {
		row := make([]any, 0, len(g.keys)+len(g.accs))
		row = append(row, g.keys...)
		for i := range g.accs {
			row = append(row, g.accs[i].result())
		}
		out = append(out, row)
	}
	return out
}

func makeGroupKey(values []any) string {
	var sb strings.Builder
	for _, v := range values {
		fmt.Fprintf(&sb, "%T:%q;", v, fmt.Sprint(v))
	}
	return sb.String()
}
