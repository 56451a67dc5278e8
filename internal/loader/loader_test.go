package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/twmb/franz-go/pkg/kgo"

	"nebula/internal/column"
	"nebula/internal/config"
	"nebula/internal/kafka"
	"nebula/internal/source"
	"nebula/internal/spec"
)

var schema = column.Schema{
	{Name: "ts", Type: column.Int},
	{Name: "host", Type: column.String},
	{Name: "ok", Type: column.Bool},
}

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newRouter(t *testing.T) *Router {
	b := source.New(nil)
	t.Cleanup(func() { _ = b.Close() })
	return New(Config{Buckets: b})
}

func blobSpec(dir, format string, maxRows int, splits ...spec.Split) *spec.IngestSpec {
	return &spec.IngestSpec{
		ID: "events-1", Table: "events", Version: "v1",
		Loader: config.Swap, Source: "file://" + dir, Format: format,
		Schema: schema, TimeColumn: "ts", MaxBlockRows: maxRows,
		Splits: splits,
	}
}

func TestLoadNDJSONSplitsBlocks(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "logs/00/a.json", `{"ts": 10, "host": "web-1", "ok": true}
{"ts": 12, "host": "web-2"}

not json
{"ts": 5, "host": "web-1", "ok": false}
`)
	write(t, dir, "logs/00/b.json", `{"ts": 30, "host": "db-1", "ok": true}
{"ts": "soon", "host": "db-1"}
{"ts": 31, "host": "db-2", "ok": true}
`)

	s := blobSpec(dir, "ndjson", 2, spec.Split{Path: "logs/00/*.json", Glob: true})
	blocks, err := newRouter(t).Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	var rows int64
	for i, b := range blocks {
		if b.Seq != uint64(i) || b.Spec != "events-1" || b.Table != "events" || b.Remote() {
			t.Errorf("block %d = %v", i, b)
		}
		rows += b.Rows
	}
	if rows != 5 {
		t.Errorf("loaded %d rows, want 5", rows)
	}
	if w := blocks[0].Window; w.Start != 10 || w.End != 12 {
		t.Errorf("first window = %v", w)
	}
	if w := blocks[2].Window; w.Start != 31 || w.End != 31 {
		t.Errorf("last window = %v", w)
	}
}

func TestLoadByteRange(t *testing.T) {
	dir := t.TempDir()
	first := `{"ts": 1, "host": "a"}` + "\n"
	second := `{"ts": 2, "host": "b"}` + "\n"
	write(t, dir, "one.json", first+second)

	s := blobSpec(dir, "ndjson", 100, spec.Split{Path: "one.json", Offset: int64(len(first)), Size: int64(len(second))})
	blocks, err := newRouter(t).Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Rows != 1 || blocks[0].Data.Value(1, 0) != "b" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "data.csv", "host,ts,ok\nweb-1,100,true\nweb-2,101,\nweb-3,x,false\n")

	s := blobSpec(dir, "csv", 100, spec.Split{Path: "data.csv"})
	blocks, err := newRouter(t).Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Rows != 2 {
		t.Fatalf("blocks = %v", blocks)
	}
	data := blocks[0].Data
	if data.Value(0, 1) != int64(101) || data.Value(2, 1) != nil || data.Value(2, 0) != true {
		t.Errorf("rows = %v %v", data.Row(0), data.Row(1))
	}
}

type parquetEvent struct {
	TS   int64  `parquet:"ts"`
	Host string `parquet:"host"`
	OK   bool   `parquet:"ok"`
}

func TestLoadParquet(t *testing.T) {
	dir := t.TempDir()
	rows := []parquetEvent{{TS: 7, Host: "a", OK: true}, {TS: 9, Host: "b"}, {TS: 8, Host: "c", OK: true}}
	if err := parquet.WriteFile(filepath.Join(dir, "part-0.parquet"), rows); err != nil {
		t.Fatal(err)
	}

	s := blobSpec(dir, "parquet", 100, spec.Split{Path: "*.parquet", Glob: true})
	blocks, err := newRouter(t).Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Rows != 3 {
		t.Fatalf("blocks = %v", blocks)
	}
	if w := blocks[0].Window; w.Start != 7 || w.End != 9 {
		t.Errorf("window = %v", w)
	}
	if got := blocks[0].Data.Value(1, 2); got != "c" {
		t.Errorf("host[2] = %v", got)
	}
	if h := blocks[0].Hists[2]; h.TrueCount != 2 {
		t.Errorf("ok histogram = %s", h)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	r := newRouter(t)

	if _, err := r.Load(context.Background(), blobSpec(dir, "avro", 10, spec.Split{Path: "x"})); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unknown format: %v", err)
	}
	if _, err := r.Load(context.Background(), blobSpec(dir, "ndjson", 10, spec.Split{Path: "missing.json"})); err == nil {
		t.Error("missing object should fail")
	}

	s := blobSpec(dir, "ndjson", 10)
	s.Loader = config.Kafka
	if _, err := r.Load(context.Background(), s); !errors.Is(err, ErrNoSource) {
		t.Errorf("kafka without prober: %v", err)
	}
}

func TestLoadNoTimeColumn(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.json", `{"ts": 1, "host": "a"}`+"\n")
	s := blobSpec(dir, "ndjson", 10, spec.Split{Path: "a.json"})
	s.TimeColumn = ""
	blocks, err := newRouter(t).Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if blocks[0].Window != unbounded {
		t.Errorf("window = %v, want unbounded", blocks[0].Window)
	}
}

type fakeProber struct{ latest int64 }

func (p fakeProber) Probe(context.Context, *config.KafkaSource) ([]kafka.PartitionOffsets, error) {
	return []kafka.PartitionOffsets{{Partition: 0, Latest: p.latest}}, nil
}

type fakeRecords []*kgo.Record

func (f fakeRecords) ReadRange(_ context.Context, _ *config.KafkaSource, partition int32, from, to int64, fn func(*kgo.Record) error) error {
	for _, rec := range f {
		if rec.Partition != partition || rec.Offset < from || rec.Offset >= to {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func TestLoadKafkaTimestampSeconds(t *testing.T) {
	at := time.Unix(1_700_000_000, 250_000_000)
	records := fakeRecords{
		{Offset: 0, Timestamp: at, Value: []byte(`{"host": "web-1"}`)},
		{Offset: 1, Timestamp: at.Add(90 * time.Second), Value: []byte(`{"host": "web-2"}`)},
		{Offset: 2, Timestamp: at, Value: []byte(`{"ts": 1700000500, "host": "web-3"}`)},
		{Offset: 3, Timestamp: at, Value: []byte(`{"host": "past the range"}`)},
	}
	r := New(Config{Prober: fakeProber{latest: 4}, Records: records})
	s := &spec.IngestSpec{
		ID: "clicks-0", Table: "clicks", Version: "v1", Loader: config.Kafka,
		Schema: schema, TimeColumn: "ts", MaxBlockRows: 100,
		Kafka:  &config.KafkaSource{Topic: "clicks"},
		Splits: []spec.Split{{Path: spec.PartitionPath("clicks", 0), Offset: 0, Size: 3}},
	}
	blocks, err := r.Load(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Rows != 3 {
		t.Fatalf("blocks = %v", blocks)
	}
	if w := blocks[0].Window; w.Start != 1_700_000_000 || w.End != 1_700_000_500 {
		t.Errorf("window = %v, want [1700000000, 1700000500]", w)
	}
	if v := blocks[0].Data.Value(0, 1); v != int64(1_700_000_090) {
		t.Errorf("second record ts = %v", v)
	}
}
