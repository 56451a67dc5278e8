// Package block defines the immutable unit of in-memory columnar data.
package block

import (
	"fmt"
	"math"

	"nebula/internal/column"
	"nebula/internal/histogram"
)

// NodeID identifies a worker node by its advertised address.
type NodeID string

// InProcess is the node identity for blocks resident in this process.
const InProcess NodeID = "in-process"

func (n NodeID) String() string { return string(n) }

// Window is an inclusive time range in unix seconds.
type Window struct {
	Start int64 `msgpack:"s"`
	End   int64 `msgpack:"e"`
}

// Overlaps reports whether w and o share at least one instant.
func (w Window) Overlaps(o Window) bool {
	return !(o.End < w.Start || w.End < o.Start)
}

// Valid reports whether Start <= End.
func (w Window) Valid() bool { return w.Start <= w.End }

// Union returns the smallest window covering both.
func (w Window) Union(o Window) Window {
	return Window{Start: min(w.Start, o.Start), End: max(w.End, o.End)}
}

func (w Window) String() string { return fmt.Sprintf("[%d,%d]", w.Start, w.End) }

// Block is immutable once registered. Data is nil for blocks resident on a
// remote node; the registry only tracks their metadata.
type Block struct {
	Table     string                `msgpack:"table"`
	Version   string                `msgpack:"version"`
	Seq       uint64                `msgpack:"seq"`
	Window    Window                `msgpack:"window"`
	Spec      string                `msgpack:"spec"`
	Residence NodeID                `msgpack:"residence"`
	Rows      int64                 `msgpack:"rows"`
	RawSize   int64                 `msgpack:"raw"`
	Hists     []histogram.Histogram `msgpack:"hists"`

	Data *column.Batch `msgpack:"-"`
}

// FromBatch wraps a loaded batch as a locally resident block. The window is
// taken from the histogram of the time column; timeCol < 0 or an empty batch
// yields fallback.
func FromBatch(table, version, spec string, seq uint64, data *column.Batch, timeCol int, fallback Window) *Block {
	hists := data.Histograms()
	w := fallback
	if timeCol >= 0 && timeCol < len(hists) {
		h := hists[timeCol]
		switch {
		case h.Type == histogram.Int && h.IntMin <= h.IntMax:
			w = Window{Start: h.IntMin, End: h.IntMax}
		case h.Type == histogram.Real && h.RealMin <= h.RealMax:
			w = Window{Start: int64(math.Floor(h.RealMin)), End: int64(math.Ceil(h.RealMax))}
		}
	}
	return &Block{
		Table:     table,
		Version:   version,
		Seq:       seq,
		Window:    w,
		Spec:      spec,
		Residence: InProcess,
		Rows:      int64(data.NumRows()),
		RawSize:   data.RawSize(),
		Hists:     hists,
		Data:      data,
	}
}

// Signature identifies a block across the cluster.
func (b *Block) Signature() string {
	return fmt.Sprintf("%s@%s/%s#%d", b.Table, b.Version, b.Spec, b.Seq)
}

// Remote reports whether the block lives on another node.
func (b *Block) Remote() bool { return b.Residence != InProcess }

// Meta returns a copy without data, owned by node. Used when reporting an
// inventory to the coordinator.
func (b *Block) Meta(node NodeID) *Block {
	c := *b
	c.Data = nil
	c.Residence = node
	c.Hists = make([]histogram.Histogram, len(b.Hists))
	copy(c.Hists, b.Hists)
	return &c
}

func (b *Block) String() string {
	return fmt.Sprintf("%s %s rows=%d node=%s", b.Signature(), b.Window, b.Rows, b.Residence)
}
