// Package query holds the compiled plan model and the row-level execution
// pieces shared by nodes and the coordinator: local execution over the
// blocks of a registry, merging of per-node partials, final projection and
// ordering.
package query

import (
	"context"

	"github.com/panjf2000/ants/v2"

	"nebula/internal/column"
	"nebula/internal/registry"
)

// Result is a row set. Partial results from nodes use the plan's partial
// columns; final results use its output names.
type Result struct {
	Columns   []string `msgpack:"columns" json:"columns"`
	Rows      [][]any  `msgpack:"rows" json:"rows"`
	Truncated bool     `msgpack:"truncated,omitempty" json:"truncated,omitempty"`

	RowsScanned   int64 `msgpack:"rows_scanned,omitempty" json:"-"`
	BlocksScanned int64 `msgpack:"blocks_scanned,omitempty" json:"-"`
	BlocksSkipped int64 `msgpack:"blocks_skipped,omitempty" json:"-"`
}

// Empty returns a result with the partial schema of p and no rows.
func Empty(p *Plan) *Result {
	return &Result{Columns: p.PartialColumns()}
}

// NumRows returns the number of rows.
func (r *Result) NumRows() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Normalize canonicalizes every value after a wire decode.
func (r *Result) Normalize() {
	for _, row := range r.Rows {
		for i, v := range row {
			row[i] = column.Normalize(v)
		}
	}
}

// ExecuteLocal runs p over the blocks this process holds and returns the
// partial result a node reports to the coordinator.
func ExecuteLocal(ctx context.Context, reg *registry.Registry, p *Plan, pool *ants.Pool) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	fb := reg.Query(ctx, p.Table, p.Selector(), pool)
	res := Empty(p)
	res.BlocksScanned = int64(fb.Scanned)
	res.BlocksSkipped = int64(fb.Skipped)

	var groups *groupTable
	if p.Aggregated() {
		groups = newGroupTable(p.Aggs)
	}

	for _, c := range fb.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := c.Block.Data
		if data == nil {
			continue
		}
		schema := data.Schema()
		preds := make([]int, len(p.Predicates))
		for i, pr := range p.Predicates {
			preds[i] = schema.Index(pr.Column)
		}

		var keyIdx, aggIdx, colIdx []int
		if groups != nil {
			keyIdx = indexes(schema, p.Keys)
			aggIdx = make([]int, len(p.Aggs))
			for i, a := range p.Aggs {
				aggIdx[i] = countRows
				if a.Column != "" && a.Column != "*" {
					aggIdx[i] = schema.Index(a.Column)
				}
			}
		} else {
			colIdx = indexes(schema, res.Columns)
		}

		n := data.NumRows()
		res.RowsScanned += int64(n)
		for row := range n {
			if c.Class != registry.Match && !matchRow(p.Predicates, preds, data, row) {
				continue
			}
			if groups == nil {
				res.Rows = append(res.Rows, pick(data, row, colIdx))
				continue
			}
			g := groups.get(pick(data, row, keyIdx))
			if g == nil {
				continue
			}
			for i, idx := range aggIdx {
				switch {
				case idx == countRows:
					g.accs[i].add(true)
				case idx >= 0:
					g.accs[i].add(data.Value(idx, row))
				}
			}
		}
	}

	if groups != nil {
		res.Rows = groups.rows()
		res.Truncated = groups.truncated
		return res, nil
	}
	if p.Limit > 0 && len(res.Rows) > p.Limit {
		keys, desc := sortSpec(p, res.Columns, true)
		sortRows(res.Rows, keys, desc)
		res.Rows = res.Rows[:p.Limit]
	}
	return res, nil
}

// countRows marks a count(*) aggregate in a column index list.
const countRows = -2

type valueSource interface {
	Value(col, row int) any
}

func matchRow(preds []Predicate, idx []int, data valueSource, row int) bool {
	for i, pr := range preds {
		if idx[i] < 0 || !pr.Eval(data.Value(idx[i], row)) {
			return false
		}
	}
	return true
}

func pick(data valueSource, row int, idx []int) []any {
	out := make([]any, len(idx))
	for i, c := range idx {
		if c >= 0 {
			out[i] = data.Value(c, row)
		}
	}
	return out
}

func indexes(schema column.Schema, names []string) []int {
	out := make([]int, len(names))
	for i, n := range names {
		out[i] = schema.Index(n)
	}
	return out
}
