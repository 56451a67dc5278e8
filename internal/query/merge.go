package query

import (
	"slices"
)

// Merge combines node partials into one partial keyed by the plan's partial
// columns, regardless of the column order each node used. Aggregated plans
// combine matching groups; others concatenate. Callers pass partials in a
// stable order (by node) so float sums are reproducible.
func Merge(p *Plan, partials []*Result) *Result {
	out := Empty(p)
	cols := out.Columns

	var groups *groupTable
	if p.Aggregated() {
		groups = newGroupTable(p.Aggs)
	}
	nkeys := len(p.Keys)

	for _, part := range partials {
		if part == nil {
			continue
		}
		out.RowsScanned += part.RowsScanned
		out.BlocksScanned += part.BlocksScanned
		out.BlocksSkipped += part.BlocksSkipped
		out.Truncated = out.Truncated || part.Truncated

		idx := make([]int, len(cols))
		for i, c := range cols {
			idx[i] = slices.Index(part.Columns, c)
		}
		for _, src := range part.Rows {
			row := make([]any, len(cols))
			for i, j := range idx {
				if j >= 0 && j < len(src) {
					row[i] = src[j]
				}
			}
			if groups == nil {
				out.Rows = append(out.Rows, row)
				continue
			}
			g := groups.get(row[:nkeys])
			if g == nil {
				continue
			}
			for i := range g.accs {
				g.accs[i].merge(row[nkeys+i])
			}
		}
	}

	if groups != nil {
		out.Rows = groups.rows()
		out.Truncated = out.Truncated || groups.truncated
	}
	return out
}

// Finalize projects a merged partial onto the plan's output columns. A
// global aggregate over no rows yields one row of empty aggregates.
func Finalize(p *Plan, r *Result) *Result {
	rows := r.Rows
	if p.Aggregated() && len(p.Keys) == 0 && len(rows) == 0 {
		t := newGroupTable(p.Aggs)
		t.get(nil)
		rows = t.rows()
	}

	out := &Result{
		Columns:       p.OutputNames(),
		Rows:          make([][]any, 0, len(rows)),
		Truncated:     r.Truncated,
		RowsScanned:   r.RowsScanned,
		BlocksScanned: r.BlocksScanned,
		BlocksSkipped: r.BlocksSkipped,
	}
	idx := make([]int, len(p.Output))
	for i, o := range p.Output {
		idx[i] = slices.Index(r.Columns, o.Column)
	}
	for _, src := range rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			if j >= 0 && j < len(src) {
				row[i] = src[j]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// TopSort orders a finalized result by the plan's sort keys, breaking ties on
// every output column, then applies the limit. It sorts r in place.
func TopSort(p *Plan, r *Result) *Result {
	keys, desc := sortSpec(p, r.Columns, false)
	sortRows(r.Rows, keys, desc)
	if p.Limit > 0 && len(r.Rows) > p.Limit {
		r.Rows = r.Rows[:p.Limit]
	}
	return r
}

// sortSpec resolves the sort keys plus the tie-break columns against
// columns. For a partial, final names are translated to their sources.
func sortSpec(p *Plan, columns []string, partial bool) (idx []int, desc []bool) {
	add := func(name string, d bool) {
		if i := slices.Index(columns, name); i >= 0 {
			idx = append(idx, i)
			desc = append(desc, d)
		}
	}
	for _, k := range p.Sort {
		name := k.Column
		if partial {
			name, _ = p.source(name)
		}
		add(name, k.Desc)
	}
	for _, o := range p.Output {
		if partial {
			add(o.Column, false)
		} else {
			add(o.Name(), false)
		}
	}
	return idx, desc
}

func sortRows(rows [][]any, idx []int, desc []bool) {
	slices.SortStableFunc(rows, func(a, b []any) int {
		for i, c := range idx {
			r := compareNullable(a[c], b[c])
			if r == 0 {
				continue
			}
			if desc[i] {
				return -r
			}
			return r
		}
		return 0
	})
}
