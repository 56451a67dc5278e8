package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"nebula/internal/query"
	"nebula/internal/rpc"
)

func TestReadPlan(t *testing.T) {
	src := `
table: events
window: {start: 10, end: 20}
predicates: [{column: host, op: eq, value: web-1}, {column: ts, op: ge, value: 12}]
keys: [host]
aggs: [{func: count}]
output: [{column: host}, {column: "count(*)", alias: n}]
sort: [{column: n, desc: true}]
limit: 5
timeout: 2s
`
	p, err := readPlan("-", strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if p.Table != "events" || p.Window.Start != 10 || p.Window.End != 20 {
		t.Errorf("plan = %+v", p)
	}
	if len(p.Predicates) != 2 || p.Predicates[1].Op != query.Ge || p.Predicates[1].Value != 12 {
		t.Errorf("predicates = %+v", p.Predicates)
	}
	if p.Aggs[0].Func != query.Count || p.Output[1].Name() != "n" || !p.Sort[0].Desc {
		t.Errorf("plan = %+v", p)
	}
	if p.Limit != 5 || p.Timeout != 2*time.Second {
		t.Errorf("limit %d timeout %v", p.Limit, p.Timeout)
	}
}

func TestReadPlanJSON(t *testing.T) {
	p, err := readPlan("-", strings.NewReader(`{"table": "events", "window": {"start": 0, "end": 1}, "output": [{"column": "ts"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Table != "events" || p.Output[0].Column != "ts" {
		t.Errorf("plan = %+v", p)
	}
}

func TestReadPlanInvalid(t *testing.T) {
	if _, err := readPlan("-", strings.NewReader("table: events\noutput: [{column: ts}]\n")); err == nil {
		t.Error("plan without a window should fail")
	}
}

func TestPrintReplyTable(t *testing.T) {
	var buf bytes.Buffer
	reply := &rpc.QueryReply{
		Result: &query.Result{Columns: []string{"host", "n"}, Rows: [][]any{{"web-1", int64(3)}, {nil, 1.5}}},
		Stats:  query.StatsSnapshot{NodesQueried: 2},
	}
	if err := printReply(newPrinter("table", &buf), reply, true); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"host", "web-1", "NULL", "1.5", "nodes queried:", "2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReplyJSON(t *testing.T) {
	var buf bytes.Buffer
	reply := &rpc.QueryReply{Result: &query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(7)}}}}
	if err := printReply(newPrinter("json", &buf), reply, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"columns": [`) || !strings.Contains(buf.String(), "7") {
		t.Errorf("json = %s", buf.String())
	}
}
