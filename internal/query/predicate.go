package query

import (
	"cmp"
	"fmt"
	"strings"

	"nebula/internal/block"
	"nebula/internal/column"
	"nebula/internal/histogram"
	"nebula/internal/registry"
)

// Op is a comparison operator.
type Op string

const (
	Eq Op = "eq"
	Ne Op = "ne"
	Lt Op = "lt"
	Le Op = "le"
	Gt Op = "gt"
	Ge Op = "ge"
)

// Predicate compares a column to a constant. Null values never match.
type Predicate struct {
	Column string `msgpack:"column" json:"column"`
	Op     Op     `msgpack:"op" json:"op"`
	Value  any    `msgpack:"value" json:"value"`
}

func (p Predicate) validate() error {
	if p.Column == "" {
		return fmt.Errorf("%w: missing column", ErrBadPredicate)
	}
	switch p.Op {
	case Eq, Ne, Lt, Le, Gt, Ge:
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrBadPredicate, p.Op)
	}
	if p.Value == nil {
		return fmt.Errorf("%w: %s has no value", ErrBadPredicate, p.Column)
	}
	return nil
}

// Eval applies the predicate to one value.
func (p Predicate) Eval(v any) bool {
	c, ok := compareValues(v, column.Normalize(p.Value))
	if !ok {
		return false
	}
	return p.holds(c)
}

func (p Predicate) holds(c int) bool {
	switch p.Op {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	}
	return false
}

// Classify decides from a column histogram alone whether no row (Skip), every
// row (Match) or possibly some rows (Maybe) of a block with rows rows satisfy
// the predicate.
func (p Predicate) Classify(h histogram.Histogram, rows int64) registry.Class {
	if h.Count == 0 {
		return registry.Skip
	}
	full := int64(h.Count) == rows //nolint:gosec
	v := column.Normalize(p.Value)

	switch h.Type {
	case histogram.Int:
		return p.classifyRange(h.IntMin, h.IntMax, v, full)
	case histogram.Real:
		return p.classifyRange(h.RealMin, h.RealMax, v, full)
	case histogram.Bool:
		want, ok := v.(bool)
		if !ok || (p.Op != Eq && p.Op != Ne) {
			return registry.Maybe
		}
		if p.Op == Ne {
			want = !want
		}
		matching := h.TrueCount
		if !want {
			matching = h.Count - h.TrueCount
		}
		switch {
		case matching == 0:
			return registry.Skip
		case matching == h.Count && full:
			return registry.Match
		}
	}
	return registry.Maybe
}

func (p Predicate) classifyRange(lo, hi, v any, full bool) registry.Class {
	cLo, ok1 := compareValues(lo, v)
	cHi, ok2 := compareValues(hi, v)
	if !ok1 || !ok2 {
		return registry.Maybe
	}
	var none, all bool
	switch p.Op {
	case Eq:
		none = cLo > 0 || cHi < 0
		all = cLo == 0 && cHi == 0
	case Ne:
		none = cLo == 0 && cHi == 0
		all = cLo > 0 || cHi < 0
	case Lt:
		none = cLo >= 0
		all = cHi < 0
	case Le:
		none = cLo > 0
		all = cHi <= 0
	case Gt:
		none = cHi <= 0
		all = cLo > 0
	case Ge:
		none = cHi < 0
		all = cLo >= 0
	}
	switch {
	case none:
		return registry.Skip
	case all && full:
		return registry.Match
	}
	return registry.Maybe
}

// classify combines the plan's predicates over a block's histograms.
func (p *Plan) classify(b *block.Block) registry.Class {
	if len(p.Predicates) == 0 {
		return registry.Match
	}
	if b.Data == nil {
		return registry.Maybe
	}
	schema := b.Data.Schema()
	out := registry.Match
	for _, pr := range p.Predicates {
		idx := schema.Index(pr.Column)
		if idx < 0 {
			// Unknown column is null everywhere.
			return registry.Skip
		}
		if idx >= len(b.Hists) {
			out = registry.Maybe
			continue
		}
		switch pr.Classify(b.Hists[idx], b.Rows) {
		case registry.Skip:
			return registry.Skip
		case registry.Maybe:
			out = registry.Maybe
		}
	}
	return out
}

// Selector turns the plan into a registry selector.
func (p *Plan) Selector() registry.Selector {
	var w block.Window
	if p.Window != nil {
		w = *p.Window
	}
	return registry.Selector{Window: w, Version: p.Version, Classify: p.classify}
}

// compareValues orders two scalars. Integers and reals compare numerically
// with each other; other kinds compare only with their own kind.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

// compareNullable orders nil before every value and incomparable values by
// their type name so sorts are total.
func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}
