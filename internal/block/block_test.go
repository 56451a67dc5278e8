package block

import (
	"testing"

	"nebula/internal/column"
)

func TestOverlapRule(t *testing.T) {
	tests := []struct {
		name string
		b, q Window
		want bool
	}{
		{"inside", Window{0, 10}, Window{2, 3}, true},
		{"touch start", Window{10, 20}, Window{5, 10}, true},
		{"touch end", Window{10, 20}, Window{20, 30}, true},
		{"before", Window{10, 20}, Window{0, 9}, false},
		{"after", Window{10, 20}, Window{21, 30}, false},
		{"covering", Window{10, 20}, Window{0, 100}, true},
		{"point", Window{5, 5}, Window{5, 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.Overlaps(tt.q); got != tt.want {
				t.Errorf("%s.Overlaps(%s) = %v, want %v", tt.b, tt.q, got, tt.want)
			}
			if got := tt.q.Overlaps(tt.b); got != tt.want {
				t.Errorf("overlap not symmetric for %s, %s", tt.b, tt.q)
			}
		})
	}
}

func TestOverlapReflexive(t *testing.T) {
	for _, w := range []Window{{0, 0}, {-5, 5}, {100, 2000}} {
		if !w.Overlaps(w) {
			t.Errorf("%s does not overlap itself", w)
		}
	}
}

func TestFromBatchWindow(t *testing.T) {
	schema := column.Schema{{Name: "ts", Type: column.Int}, {Name: "v", Type: column.Real}}
	data := column.NewBatch(schema)
	for _, row := range [][]any{{int64(30), 1.0}, {int64(12), 2.0}, {int64(25), 3.0}} {
		if err := data.Append(row); err != nil {
			t.Fatal(err)
		}
	}

	b := FromBatch("events", "v1", "spec-a", 3, data, 0, Window{})
	if b.Window != (Window{12, 30}) {
		t.Errorf("window = %s, want [12,30]", b.Window)
	}
	if b.Rows != 3 || b.Remote() {
		t.Errorf("unexpected block %s", b)
	}

	empty := FromBatch("events", "v1", "spec-a", 4, column.NewBatch(schema), 0, Window{1, 2})
	if empty.Window != (Window{1, 2}) {
		t.Errorf("empty batch should use fallback, got %s", empty.Window)
	}
}

func TestMetaDropsData(t *testing.T) {
	data := column.NewBatch(column.Schema{{Name: "ts", Type: column.Int}})
	_ = data.Append([]any{int64(1)})
	b := FromBatch("t", "v", "s", 0, data, 0, Window{})

	m := b.Meta("10.0.0.1:9190")
	if m.Data != nil || !m.Remote() || m.Residence != "10.0.0.1:9190" {
		t.Errorf("meta = %+v", m)
	}
	m.Hists[0].Count = 99
	if b.Hists[0].Count == 99 {
		t.Error("meta aliases histograms")
	}
	if b.Data == nil || b.Remote() {
		t.Error("original changed")
	}
}
