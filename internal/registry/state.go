package registry

import (
	"cmp"
	"slices"
	"sync"

	"nebula/internal/block"
	"nebula/internal/histogram"
)

// TableMetrics is a rollup over a set of blocks of one table.
type TableMetrics struct {
	Table  string                `msgpack:"table"`
	Blocks int64                 `msgpack:"blocks"`
	Rows   int64                 `msgpack:"rows"`
	Bytes  int64                 `msgpack:"bytes"`
	Window block.Window          `msgpack:"window"`
	Hists  []histogram.Histogram `msgpack:"hists"`
}

// Empty reports whether the rollup covers no blocks.
func (m TableMetrics) Empty() bool { return m.Blocks == 0 }

// Merge folds o into m. A column whose histogram types disagree is reduced
// to a count-only histogram.
func (m *TableMetrics) Merge(o TableMetrics) {
	if o.Empty() {
		return
	}
	if m.Empty() {
		m.Window = o.Window
	} else {
		m.Window = m.Window.Union(o.Window)
	}
	m.Blocks += o.Blocks
	m.Rows += o.Rows
	m.Bytes += o.Bytes
	m.Hists = foldHists(m.Hists, o.Hists)
}

// foldHists merges src into dst column by column. Versions of a table may
// type a column differently; such a column keeps only its row count.
func foldHists(dst, src []histogram.Histogram) []histogram.Histogram {
	for i, h := range src {
		if i >= len(dst) {
			dst = append(dst, h.Clone())
			continue
		}
		if err := dst[i].Merge(h); err != nil {
			base := histogram.New(histogram.Base)
			base.Count = dst[i].Count + h.Count
			dst[i] = base
		}
	}
	return dst
}

// TableBlockState holds every block of one table on one node, keyed by the
// spec that produced them, plus rollups over those blocks.
type TableBlockState struct {
	node  block.NodeID
	table string

	mu      sync.RWMutex
	blocks  map[string][]*block.Block // spec -> blocks
	metrics TableMetrics
}

// NewTableBlockState creates an empty state for (node, table).
func NewTableBlockState(node block.NodeID, table string) *TableBlockState {
	return &TableBlockState{
		node:    node,
		table:   table,
		blocks:  make(map[string][]*block.Block),
		metrics: TableMetrics{Table: table},
	}
}

// Node returns the owning node.
func (s *TableBlockState) Node() block.NodeID { return s.node }

// Table returns the table name.
func (s *TableBlockState) Table() string { return s.table }

// Add inserts b. It returns false for a block already present (same spec and
// sequence).
func (s *TableBlockState) Add(b *block.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.blocks[b.Spec] {
		if existing.Seq == b.Seq {
			return false
		}
	}
	s.blocks[b.Spec] = append(s.blocks[b.Spec], b)
	s.metrics.Hists = foldHists(s.metrics.Hists, b.Hists)
	if s.metrics.Blocks == 0 {
		s.metrics.Window = b.Window
	} else {
		s.metrics.Window = s.metrics.Window.Union(b.Window)
	}
	s.metrics.Blocks++
	s.metrics.Rows += b.Rows
	s.metrics.Bytes += b.RawSize
	return true
}

// RemoveBySpec drops every block produced by spec and returns how many were
// removed. Rollups are recomputed from the remaining blocks.
func (s *TableBlockState) RemoveBySpec(spec string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.blocks[spec])
	if n == 0 {
		return 0
	}
	delete(s.blocks, spec)
	s.recompute()
	return n
}

func (s *TableBlockState) recompute() {
	m := TableMetrics{Table: s.table}
	for _, bs := range s.blocks {
		for _, b := range bs {
			if m.Blocks == 0 {
				m.Window = b.Window
			} else {
				m.Window = m.Window.Union(b.Window)
			}
			m.Blocks++
			m.Rows += b.Rows
			m.Bytes += b.RawSize
			m.Hists = foldHists(m.Hists, b.Hists)
		}
	}
	s.metrics = m
}

// Query returns blocks overlapping w whose version matches. An empty version
// matches every block.
func (s *TableBlockState) Query(w block.Window, version string) []*block.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*block.Block
	for _, bs := range s.blocks {
		for _, b := range bs {
			if version != "" && b.Version != version {
				continue
			}
			if b.Window.Overlaps(w) {
				out = append(out, b)
			}
		}
	}
	sortBlocks(out)
	return out
}

// Blocks returns a snapshot of all blocks in deterministic order.
func (s *TableBlockState) Blocks() []*block.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*block.Block, 0, s.metrics.Blocks)
	for _, bs := range s.blocks {
		out = append(out, bs...)
	}
	sortBlocks(out)
	return out
}

// Specs returns the spec signatures with at least one block.
func (s *TableBlockState) Specs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.blocks))
	for spec := range s.blocks {
		out = append(out, spec)
	}
	slices.Sort(out)
	return out
}

// Metrics returns a copy of the rollups.
func (s *TableBlockState) Metrics() TableMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.metrics
	m.Hists = cloneHists(s.metrics.Hists)
	return m
}

func (s *TableBlockState) NumBlocks() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics.Blocks
}

func (s *TableBlockState) NumRows() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics.Rows
}

// Window returns the covering window; ok is false when the state is empty.
func (s *TableBlockState) Window() (w block.Window, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics.Window, s.metrics.Blocks > 0
}

func cloneHists(h []histogram.Histogram) []histogram.Histogram {
	if h == nil {
		return nil
	}
	out := make([]histogram.Histogram, len(h))
	copy(out, h)
	return out
}

func sortBlocks(bs []*block.Block) {
	slices.SortFunc(bs, func(a, b *block.Block) int {
		return cmp.Or(
			cmp.Compare(a.Window.Start, b.Window.Start),
			cmp.Compare(a.Spec, b.Spec),
			cmp.Compare(a.Seq, b.Seq),
		)
	})
}
