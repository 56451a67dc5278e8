package query

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"nebula/internal/block"
	"nebula/internal/column"
	"nebula/internal/histogram"
	"nebula/internal/registry"
)

var eventSchema = column.Schema{
	{Name: "ts", Type: column.Int},
	{Name: "host", Type: column.String},
	{Name: "latency", Type: column.Real},
	{Name: "ok", Type: column.Bool},
}

func addBlock(t *testing.T, reg *registry.Registry, spec string, rows [][]any) {
	t.Helper()
	data := column.NewBatch(eventSchema)
	for _, r := range rows {
		if err := data.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if !reg.Add(block.FromBatch("events", "v1", spec, 0, data, 0, block.Window{})) {
		t.Fatalf("add %s", spec)
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	reg := registry.New(registry.Config{})
	addBlock(t, reg, "a", [][]any{
		{int64(1), "web-1", 10.0, true},
		{int64(2), "web-2", 30.0, true},
		{int64(3), "web-1", 50.0, false},
	})
	addBlock(t, reg, "b", [][]any{
		{int64(11), "web-2", 20.0, true},
		{int64(12), "web-3", nil, false},
	})
	addBlock(t, reg, "c", [][]any{
		{int64(100), "web-1", 5.0, true},
	})
	return reg
}

func window(s, e int64) *block.Window { return &block.Window{Start: s, End: e} }

func TestValidate(t *testing.T) {
	base := func() *Plan {
		return &Plan{Table: "events", Window: window(0, 10), Output: []Output{{Column: "ts"}}}
	}
	tests := []struct {
		name   string
		mutate func(*Plan)
		want   error
	}{
		{"ok", func(*Plan) {}, nil},
		{"no table", func(p *Plan) { p.Table = "" }, ErrNoTable},
		{"no window", func(p *Plan) { p.Window = nil }, ErrNoWindow},
		{"inverted window", func(p *Plan) { p.Window = window(10, 0) }, ErrInvalidWindow},
		{"no output", func(p *Plan) { p.Output = nil }, ErrNoOutput},
		{"bad op", func(p *Plan) { p.Predicates = []Predicate{{Column: "ts", Op: "like", Value: 1}} }, ErrBadPredicate},
		{"sum without column", func(p *Plan) { p.Aggs = []Agg{{Func: Sum}} }, ErrBadAggregate},
		{"output not aggregate", func(p *Plan) { p.Aggs = []Agg{{Func: Count}} }, ErrBadAggregate},
		{"sort not in output", func(p *Plan) { p.Sort = []SortKey{{Column: "host"}} }, ErrBadSort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			err := p.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPredicateEval(t *testing.T) {
	tests := []struct {
		p    Predicate
		v    any
		want bool
	}{
		{Predicate{Column: "x", Op: Eq, Value: int64(3)}, int64(3), true},
		{Predicate{Column: "x", Op: Eq, Value: 3.0}, int64(3), true},
		{Predicate{Column: "x", Op: Lt, Value: int32(5)}, int64(4), true},
		{Predicate{Column: "x", Op: Ge, Value: "b"}, "a", false},
		{Predicate{Column: "x", Op: Ne, Value: true}, false, true},
		{Predicate{Column: "x", Op: Eq, Value: "a"}, nil, false},
		{Predicate{Column: "x", Op: Ne, Value: "a"}, nil, false},
		{Predicate{Column: "x", Op: Eq, Value: "1"}, int64(1), false},
	}
	for _, tt := range tests {
		if got := tt.p.Eval(tt.v); got != tt.want {
			t.Errorf("%s %v %v on %v = %v, want %v", tt.p.Column, tt.p.Op, tt.p.Value, tt.v, got, tt.want)
		}
	}
}

func TestPredicateClassify(t *testing.T) {
	ints := histogram.New(histogram.Int)
	for _, v := range []int64{10, 15, 20} {
		ints.Observe(v)
	}
	tests := []struct {
		op   Op
		v    any
		rows int64
		want registry.Class
	}{
		{Lt, int64(10), 3, registry.Skip},
		{Lt, int64(21), 3, registry.Match},
		{Lt, int64(21), 4, registry.Maybe}, // a null row never matches
		{Le, int64(10), 3, registry.Maybe},
		{Gt, int64(20), 3, registry.Skip},
		{Ge, 9.5, 3, registry.Match},
		{Eq, int64(30), 3, registry.Skip},
		{Eq, int64(15), 3, registry.Maybe},
		{Ne, int64(30), 3, registry.Match},
	}
	for _, tt := range tests {
		p := Predicate{Column: "x", Op: tt.op, Value: tt.v}
		if got := p.Classify(ints, tt.rows); got != tt.want {
			t.Errorf("%s %v over [10,20] rows=%d: got %s, want %s", tt.op, tt.v, tt.rows, got, tt.want)
		}
	}

	bools := histogram.New(histogram.Bool)
	bools.Observe(true)
	bools.Observe(true)
	if got := (Predicate{Op: Eq, Value: false}).Classify(bools, 2); got != registry.Skip {
		t.Errorf("eq false over all-true: %s", got)
	}
	if got := (Predicate{Op: Eq, Value: true}).Classify(bools, 2); got != registry.Match {
		t.Errorf("eq true over all-true: %s", got)
	}
	if got := (Predicate{Op: Eq, Value: "x"}).Classify(histogram.New(histogram.Base), 3); got != registry.Skip {
		t.Errorf("all-null column: %s", got)
	}
}

func TestExecuteLocalProjection(t *testing.T) {
	reg := testRegistry(t)
	p := &Plan{
		Table:      "events",
		Window:     window(0, 50),
		Predicates: []Predicate{{Column: "latency", Op: Ge, Value: int64(20)}},
		Output:     []Output{{Column: "ts", Alias: "time"}, {Column: "latency"}},
		Sort:       []SortKey{{Column: "latency", Desc: true}},
		Limit:      2,
	}
	res, err := ExecuteLocal(context.Background(), reg, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.BlocksScanned != 2 || res.RowsScanned != 5 {
		t.Errorf("scanned blocks=%d rows=%d, want 2/5", res.BlocksScanned, res.RowsScanned)
	}
	if !reflect.DeepEqual(res.Columns, []string{"ts", "latency"}) {
		t.Errorf("partial columns = %v", res.Columns)
	}
	want := [][]any{{int64(3), 50.0}, {int64(2), 30.0}}
	if !reflect.DeepEqual(res.Rows, want) {
		t.Errorf("rows = %v, want %v", res.Rows, want)
	}

	final := TopSort(p, Finalize(p, res))
	if !reflect.DeepEqual(final.Columns, []string{"time", "latency"}) || !reflect.DeepEqual(final.Rows, want) {
		t.Errorf("final = %v %v", final.Columns, final.Rows)
	}
}

func TestExecuteLocalSkipsBlocksByHistogram(t *testing.T) {
	reg := testRegistry(t)
	p := &Plan{
		Table:      "events",
		Window:     window(0, 1000),
		Predicates: []Predicate{{Column: "ts", Op: Gt, Value: int64(50)}},
		Output:     []Output{{Column: "host"}},
	}
	res, err := ExecuteLocal(context.Background(), reg, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.BlocksScanned != 3 || res.BlocksSkipped != 2 {
		t.Errorf("blocks scanned=%d skipped=%d, want 3/2", res.BlocksScanned, res.BlocksSkipped)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != "web-1" {
		t.Errorf("rows = %v", res.Rows)
	}
}

func TestExecuteLocalAggregate(t *testing.T) {
	reg := testRegistry(t)
	p := &Plan{
		Table:  "events",
		Window: window(0, 1000),
		Keys:   []string{"host"},
		Aggs: []Agg{
			{Func: Count, Alias: "n"},
			{Func: Sum, Column: "latency"},
			{Func: Max, Column: "ts", Alias: "last"},
			{Func: Count, Column: "latency", Alias: "measured"},
		},
		Output: []Output{{Column: "host"}, {Column: "n"}, {Column: "sum(latency)", Alias: "total"}, {Column: "last"}, {Column: "measured"}},
		Sort:   []SortKey{{Column: "host"}},
	}
	res, err := ExecuteLocal(context.Background(), reg, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	final := TopSort(p, Finalize(p, res))
	want := [][]any{
		{"web-1", int64(3), 65.0, int64(100), int64(3)},
		{"web-2", int64(2), 50.0, int64(11), int64(2)},
		{"web-3", int64(1), nil, int64(12), int64(0)},
	}
	if !reflect.DeepEqual(final.Rows, want) {
		t.Errorf("rows = %v, want %v", final.Rows, want)
	}
}

func TestMergeAggregatedAcrossColumnOrders(t *testing.T) {
	p := &Plan{
		Table:  "events",
		Window: window(0, 10),
		Keys:   []string{"host"},
		Aggs:   []Agg{{Func: Count, Alias: "n"}, {Func: Min, Column: "latency", Alias: "lo"}},
		Output: []Output{{Column: "host"}, {Column: "n"}, {Column: "lo"}},
		Sort:   []SortKey{{Column: "n", Desc: true}},
	}
	a := &Result{Columns: []string{"host", "n", "lo"}, Rows: [][]any{{"x", int64(2), 5.0}, {"y", int64(1), 1.0}}, RowsScanned: 3}
	// Wire decoding may hand back narrower integers and a different column order.
	b := &Result{Columns: []string{"lo", "host", "n"}, Rows: [][]any{{3.0, "x", int8(4)}}, RowsScanned: 4}

	merged := Merge(p, []*Result{a, b})
	if merged.RowsScanned != 7 {
		t.Errorf("RowsScanned = %d", merged.RowsScanned)
	}
	final := TopSort(p, Finalize(p, merged))
	want := [][]any{{"x", int64(6), 3.0}, {"y", int64(1), 1.0}}
	if !reflect.DeepEqual(final.Rows, want) {
		t.Errorf("rows = %v, want %v", final.Rows, want)
	}

	swapped := TopSort(p, Finalize(p, Merge(p, []*Result{b, a})))
	if !reflect.DeepEqual(swapped.Rows, final.Rows) {
		t.Errorf("merge depends on arrival order: %v vs %v", swapped.Rows, final.Rows)
	}
}

func TestFinalizeEmptyGlobalAggregate(t *testing.T) {
	p := &Plan{
		Table:  "events",
		Window: window(0, 10),
		Aggs:   []Agg{{Func: Count, Alias: "n"}, {Func: Sum, Column: "latency", Alias: "s"}},
		Output: []Output{{Column: "n"}, {Column: "s"}},
	}
	final := Finalize(p, Merge(p, nil))
	if !reflect.DeepEqual(final.Rows, [][]any{{int64(0), nil}}) {
		t.Errorf("rows = %v", final.Rows)
	}
}

func TestSingleNodeShortcutMatchesMerge(t *testing.T) {
	reg := testRegistry(t)
	plans := []*Plan{
		{
			Table:  "events",
			Window: window(0, 1000),
			Output: []Output{{Column: "host"}, {Column: "ok"}},
			Limit:  4,
		},
		{
			Table:  "events",
			Window: window(0, 1000),
			Keys:   []string{"ok"},
			Aggs:   []Agg{{Func: Sum, Column: "latency", Alias: "s"}, {Func: Min, Column: "host", Alias: "first"}},
			Output: []Output{{Column: "ok"}, {Column: "s"}, {Column: "first"}},
			Sort:   []SortKey{{Column: "s"}},
		},
	}
	for _, p := range plans {
		partial, err := ExecuteLocal(context.Background(), reg, p, nil)
		if err != nil {
			t.Fatal(err)
		}
		copyOf := &Result{Columns: partial.Columns, Rows: append([][]any(nil), partial.Rows...)}

		shortcut := TopSort(p, Finalize(p, partial))
		merged := TopSort(p, Finalize(p, Merge(p, []*Result{copyOf})))
		if !reflect.DeepEqual(shortcut.Rows, merged.Rows) {
			t.Errorf("shortcut %v != merged %v", shortcut.Rows, merged.Rows)
		}
	}
}

func TestTargets(t *testing.T) {
	p := &Plan{}
	holders := []block.NodeID{"b", "a", "b"}
	if got := p.Targets(holders); !reflect.DeepEqual(got, []block.NodeID{"a", "b"}) {
		t.Errorf("Targets = %v", got)
	}
	p.SingleNode = true
	if got := p.Targets(holders); !reflect.DeepEqual(got, []block.NodeID{"a"}) {
		t.Errorf("single node Targets = %v", got)
	}
	p.Nodes = []block.NodeID{"z"}
	if got := p.Targets(holders); !reflect.DeepEqual(got, []block.NodeID{"z"}) {
		t.Errorf("explicit Targets = %v", got)
	}
}

func TestStats(t *testing.T) {
	var s Stats
	s.AddScan(&Result{RowsScanned: 5, BlocksScanned: 2, BlocksSkipped: 1})
	s.AddScan(nil)
	s.NodesFailed.Add(1)
	snap := s.Snapshot()
	if snap.RowsScanned != 5 || snap.BlocksScanned != 2 || snap.BlocksSkipped != 1 || snap.NodesFailed != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
