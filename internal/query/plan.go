package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"nebula/internal/block"
)

var (
	ErrNoTable       = errors.New("plan has no table")
	ErrNoWindow      = errors.New("plan has no time window")
	ErrInvalidWindow = errors.New("plan window start is after end")
	ErrNoOutput      = errors.New("plan has no output columns")
	ErrBadAggregate  = errors.New("invalid aggregate")
	ErrBadPredicate  = errors.New("invalid predicate")
	ErrBadSort       = errors.New("sort column is not in the output")
)

// AggFunc is a mergeable aggregate function.
type AggFunc string

const (
	Count AggFunc = "count"
	Sum   AggFunc = "sum"
	Min   AggFunc = "min"
	Max   AggFunc = "max"
)

// Agg is one aggregate of a plan. Column "" (or "*") with Count counts rows.
type Agg struct {
	Func   AggFunc `msgpack:"func" json:"func"`
	Column string  `msgpack:"column" json:"column"`
	Alias  string  `msgpack:"alias,omitempty" json:"alias,omitempty"`
}

// Name returns the alias, or func(column).
func (a Agg) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	col := a.Column
	if col == "" {
		col = "*"
	}
	return fmt.Sprintf("%s(%s)", a.Func, col)
}

// Output selects one result column. For aggregated plans Column names a
// group key or an aggregate name; otherwise it names a table column.
type Output struct {
	Column string `msgpack:"column" json:"column"`
	Alias  string `msgpack:"alias,omitempty" json:"alias,omitempty"`
}

// Name returns the alias, or the column.
func (o Output) Name() string {
	if o.Alias != "" {
		return o.Alias
	}
	return o.Column
}

// SortKey orders the final result by an output column name.
type SortKey struct {
	Column string `msgpack:"column" json:"column"`
	Desc   bool   `msgpack:"desc,omitempty" json:"desc,omitempty"`
}

// Plan is a compiled query. A plan without Aggs is a plain projection; with
// Aggs it groups by Keys.
type Plan struct {
	ID         string        `msgpack:"id" json:"id"`
	Table      string        `msgpack:"table" json:"table"`
	Version    string        `msgpack:"version,omitempty" json:"version,omitempty"`
	Window     *block.Window `msgpack:"window" json:"window"`
	Predicates []Predicate   `msgpack:"predicates,omitempty" json:"predicates,omitempty"`
	Keys       []string      `msgpack:"keys,omitempty" json:"keys,omitempty"`
	Aggs       []Agg         `msgpack:"aggs,omitempty" json:"aggs,omitempty"`
	Output     []Output      `msgpack:"output" json:"output"`
	Sort       []SortKey     `msgpack:"sort,omitempty" json:"sort,omitempty"`
	Limit      int           `msgpack:"limit,omitempty" json:"limit,omitempty"`

	// Nodes overrides fan-out targets when non-empty.
	Nodes []block.NodeID `msgpack:"nodes,omitempty" json:"nodes,omitempty"`
	// SingleNode restricts execution to the first target node.
	SingleNode bool `msgpack:"single_node,omitempty" json:"single_node,omitempty"`
	// Timeout bounds each node call; zero uses the executor default.
	Timeout time.Duration `msgpack:"timeout,omitempty" json:"timeout,omitempty"`
}

// Aggregated reports whether the plan groups and aggregates.
func (p *Plan) Aggregated() bool { return len(p.Aggs) > 0 }

// Validate checks the structural requirements that must hold before a plan
// is executed anywhere.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Table) == "" {
		return ErrNoTable
	}
	if p.Window == nil {
		return ErrNoWindow
	}
	if !p.Window.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, p.Window)
	}
	if len(p.Output) == 0 {
		return ErrNoOutput
	}
	for _, pr := range p.Predicates {
		if err := pr.validate(); err != nil {
			return err
		}
	}
	for _, a := range p.Aggs {
		switch a.Func {
		case Count:
		case Sum, Min, Max:
			if a.Column == "" || a.Column == "*" {
				return fmt.Errorf("%w: %s needs a column", ErrBadAggregate, a.Func)
			}
		default:
			return fmt.Errorf("%w: unknown function %q", ErrBadAggregate, a.Func)
		}
	}
	if p.Aggregated() {
		partial := p.PartialColumns()
		for _, o := range p.Output {
			if !slices.Contains(partial, o.Column) {
				return fmt.Errorf("%w: output %q is neither a key nor an aggregate", ErrBadAggregate, o.Column)
			}
		}
	}
	names := p.OutputNames()
	for _, k := range p.Sort {
		if !slices.Contains(names, k.Column) {
			return fmt.Errorf("%w: %q", ErrBadSort, k.Column)
		}
	}
	return nil
}

// PartialColumns is the schema of a node's partial result: keys then
// aggregate names for aggregated plans, the referenced table columns
// otherwise.
func (p *Plan) PartialColumns() []string {
	var cols []string
	if p.Aggregated() {
		cols = append(cols, p.Keys...)
		for _, a := range p.Aggs {
			cols = append(cols, a.Name())
		}
		return cols
	}
	for _, o := range p.Output {
		if !slices.Contains(cols, o.Column) {
			cols = append(cols, o.Column)
		}
	}
	return cols
}

// OutputNames is the schema of the final result.
func (p *Plan) OutputNames() []string {
	names := make([]string, len(p.Output))
	for i, o := range p.Output {
		names[i] = o.Name()
	}
	return names
}

// source maps a final output name back to its partial column.
func (p *Plan) source(name string) (string, bool) {
	for _, o := range p.Output {
		if o.Name() == name {
			return o.Column, true
		}
	}
	return "", false
}

// Targets resolves the nodes to fan out to. Explicit plan nodes win over
// holders; SingleNode truncates to one.
func (p *Plan) Targets(holders []block.NodeID) []block.NodeID {
	nodes := holders
	if len(p.Nodes) > 0 {
		nodes = p.Nodes
	}
	nodes = slices.Clone(nodes)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)
	if p.SingleNode && len(nodes) > 1 {
		nodes = nodes[:1]
	}
	return nodes
}
