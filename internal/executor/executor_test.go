package executor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"nebula/internal/block"
	"nebula/internal/column"
	"nebula/internal/query"
	"nebula/internal/registry"
	"nebula/internal/task"
)

var schema = column.Schema{
	{Name: "ts", Type: column.Int},
	{Name: "host", Type: column.String},
}

// localClient executes against its own registry, the way a node does.
type localClient struct {
	reg *registry.Registry
}

func (c localClient) Execute(ctx context.Context, p *query.Plan) (*query.Result, error) {
	return query.ExecuteLocal(ctx, c.reg, p, nil)
}
func (localClient) Task(context.Context, *task.Task) (task.State, error) { return task.Succeeded, nil }
func (localClient) Poll(context.Context) (*registry.Inventory, error)   { return nil, nil }

// stuckClient never answers until released.
type stuckClient struct {
	release chan struct{}
}

func (c stuckClient) Execute(context.Context, *query.Plan) (*query.Result, error) {
	<-c.release
	return nil, errors.New("released")
}
func (stuckClient) Task(context.Context, *task.Task) (task.State, error) { return task.Unknown, nil }
func (stuckClient) Poll(context.Context) (*registry.Inventory, error)   { return nil, nil }

type failingClient struct{}

func (failingClient) Execute(context.Context, *query.Plan) (*query.Result, error) {
	return nil, errors.New("connection refused")
}
func (failingClient) Task(context.Context, *task.Task) (task.State, error) { return task.Unknown, nil }
func (failingClient) Poll(context.Context) (*registry.Inventory, error)   { return nil, nil }

type panickingClient struct{}

func (panickingClient) Execute(context.Context, *query.Plan) (*query.Result, error) {
	panic("decoder bug")
}
func (panickingClient) Task(context.Context, *task.Task) (task.State, error) { return task.Unknown, nil }
func (panickingClient) Poll(context.Context) (*registry.Inventory, error)   { return nil, nil }

func nodeRegistry(t *testing.T, spec string, rows ...[]any) *registry.Registry {
	t.Helper()
	data := column.NewBatch(schema)
	for _, r := range rows {
		if err := data.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New(registry.Config{})
	reg.Add(block.FromBatch("events", "v1", spec, 0, data, 0, block.Window{}))
	return reg
}

// mirror registers node's blocks as remote in the coordinator's registry.
func mirror(t *testing.T, coord *registry.Registry, node block.NodeID, local *registry.Registry) {
	t.Helper()
	states, err := local.Inventory(node).States()
	if err != nil {
		t.Fatal(err)
	}
	coord.Swap(node, states)
}

func countByHost() *query.Plan {
	return &query.Plan{
		ID:     "q1",
		Table:  "events",
		Window: &block.Window{Start: 0, End: 1000},
		Keys:   []string{"host"},
		Aggs:   []query.Agg{{Func: query.Count}},
		Output: []query.Output{{Column: "host"}, {Column: "count(*)", Alias: "n"}},
		Sort:   []query.SortKey{{Column: "host"}},
	}
}

func TestPartialFailureDegrades(t *testing.T) {
	healthy := nodeRegistry(t, "s1",
		[]any{int64(1), "web-1"},
		[]any{int64(2), "web-2"},
		[]any{int64(3), "web-1"},
	)
	coord := registry.New(registry.Config{})
	mirror(t, coord, "a", healthy)
	mirror(t, coord, "b", nodeRegistry(t, "s2", []any{int64(4), "web-9"}))
	mirror(t, coord, "c", nodeRegistry(t, "s3", []any{int64(5), "web-9"}))

	stuck := stuckClient{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })

	var mu sync.Mutex
	failures := map[block.NodeID]string{}
	e := New(Config{
		Registry: coord,
		Timeout:  50 * time.Millisecond,
		OnFailure: func(n block.NodeID, reason string) {
			mu.Lock()
			failures[n] = reason
			mu.Unlock()
		},
	})
	conn := Clients{"a": localClient{healthy}, "b": stuck, "c": failingClient{}}

	var stats query.Stats
	got, err := e.Execute(context.Background(), countByHost(), conn, &stats)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]any{{"web-1", int64(2)}, {"web-2", int64(1)}}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Errorf("rows = %v, want %v", got.Rows, want)
	}
	if !reflect.DeepEqual(got.Columns, []string{"host", "n"}) {
		t.Errorf("columns = %v", got.Columns)
	}

	s := stats.Snapshot()
	if s.NodesQueried != 3 || s.NodesTimedOut != 1 || s.NodesFailed != 1 || s.RowsReturned != 2 {
		t.Errorf("stats = %+v", s)
	}
	if failures["b"] != ReasonTimeout || failures["c"] != ReasonError || len(failures) != 2 {
		t.Errorf("failures = %v", failures)
	}
}

func TestSingleNodeMatchesMerge(t *testing.T) {
	local := nodeRegistry(t, "s1",
		[]any{int64(1), "web-2"},
		[]any{int64(2), "web-1"},
		[]any{int64(3), "web-2"},
		[]any{int64(4), "web-3"},
	)
	coord := registry.New(registry.Config{})
	mirror(t, coord, "a", local)
	e := New(Config{Registry: coord})

	plans := map[string]*query.Plan{
		"aggregated": countByHost(),
		"projection": {
			Table:  "events",
			Window: &block.Window{Start: 0, End: 1000},
			Output: []query.Output{{Column: "ts"}, {Column: "host", Alias: "h"}},
			Sort:   []query.SortKey{{Column: "ts", Desc: true}},
			Limit:  3,
		},
	}
	for name, p := range plans {
		t.Run(name, func(t *testing.T) {
			got, err := e.Execute(context.Background(), p, Clients{"a": localClient{local}}, nil)
			if err != nil {
				t.Fatal(err)
			}

			part, err := query.ExecuteLocal(context.Background(), local, p, nil)
			if err != nil {
				t.Fatal(err)
			}
			want := query.TopSort(p, query.Finalize(p, query.Merge(p, []*query.Result{part})))
			if !reflect.DeepEqual(got.Rows, want.Rows) || !reflect.DeepEqual(got.Columns, want.Columns) {
				t.Errorf("shortcut = %v %v, merged = %v %v", got.Columns, got.Rows, want.Columns, want.Rows)
			}
		})
	}
}

func TestExecuteNoHolders(t *testing.T) {
	e := New(Config{Registry: registry.New(registry.Config{})})
	p := countByHost()
	p.Keys = nil
	p.Output = []query.Output{{Column: "count(*)"}}
	p.Sort = nil

	res, err := e.Execute(context.Background(), p, Clients{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != int64(0) {
		t.Errorf("global count over nothing = %v", res.Rows)
	}
}

func TestExecuteInvalidPlan(t *testing.T) {
	e := New(Config{Registry: registry.New(registry.Config{})})
	_, err := e.Execute(context.Background(), &query.Plan{Table: "events"}, Clients{}, nil)
	if !errors.Is(err, query.ErrNoWindow) {
		t.Errorf("err = %v, want ErrNoWindow", err)
	}
}

func TestExecuteUnknownNodeDegrades(t *testing.T) {
	coord := registry.New(registry.Config{})
	mirror(t, coord, "ghost", nodeRegistry(t, "s1", []any{int64(1), "web-1"}))
	e := New(Config{Registry: coord})

	var stats query.Stats
	res, err := e.Execute(context.Background(), countByHost(), Clients{}, &stats)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumRows() != 0 || stats.NodesFailed.Load() != 1 {
		t.Errorf("rows = %v, failed = %d", res.Rows, stats.NodesFailed.Load())
	}
}

func TestPanickingNodeDegrades(t *testing.T) {
	healthy := nodeRegistry(t, "s1", []any{int64(1), "web-1"})
	coord := registry.New(registry.Config{})
	mirror(t, coord, "a", healthy)
	mirror(t, coord, "b", nodeRegistry(t, "s2", []any{int64(2), "web-2"}))

	var failed []string
	e := New(Config{
		Registry:  coord,
		OnFailure: func(_ block.NodeID, reason string) { failed = append(failed, reason) },
	})
	var stats query.Stats
	got, err := e.Execute(context.Background(), countByHost(), Clients{"a": localClient{healthy}, "b": panickingClient{}}, &stats)
	if err != nil {
		t.Fatal(err)
	}
	if want := [][]any{{"web-1", int64(1)}}; !reflect.DeepEqual(got.Rows, want) {
		t.Errorf("rows = %v, want %v", got.Rows, want)
	}
	if stats.NodesFailed.Load() != 1 || len(failed) != 1 || failed[0] != ReasonError {
		t.Errorf("failed = %d, reasons = %v", stats.NodesFailed.Load(), failed)
	}
}
