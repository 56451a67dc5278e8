// Package registry tracks which blocks live on which node.
//
// The Registry maps node -> table -> TableBlockState. A registry-wide lock
// guards only the creation and removal of those entries; each
// TableBlockState carries its own lock for block mutations, so work on
// different tables of the same node proceeds concurrently.
//
// A node keeps its own blocks under block.InProcess. The coordinator keeps a
// mirror of every remote node's inventory, replaced wholesale on each poll
// (see Swap).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"nebula/internal/block"
	"nebula/internal/histogram"
	"nebula/internal/logging"
)

// ChunkSize is the number of blocks classified per pool task.
const ChunkSize = 100

// Class is the outcome of classifying a block against a predicate using only
// its histograms.
type Class uint8

const (
	// Skip: no row in the block can match.
	Skip Class = iota
	// Maybe: some rows may match; rows must be evaluated.
	Maybe
	// Match: every row matches.
	Match
)

func (c Class) String() string {
	switch c {
	case Skip:
		return "skip"
	case Maybe:
		return "maybe"
	case Match:
		return "match"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Selector describes which local blocks a query wants.
type Selector struct {
	Window  block.Window
	Version string
	// Classify is called concurrently; nil classifies every block as Maybe.
	Classify func(*block.Block) Class
}

// Candidate is a block the filter could not eliminate.
type Candidate struct {
	Block *block.Block
	Class Class
}

// FilteredBlocks is the result of Registry.Query.
type FilteredBlocks struct {
	Candidates []Candidate
	// Scanned counts blocks in the window before filtering.
	Scanned int
	Skipped int
}

// Gauge receives the approximate process-wide block count.
type Gauge interface {
	Set(float64)
}

// Config configures a Registry.
type Config struct {
	Logger *slog.Logger
	// Blocks, if set, tracks the block counter.
	Blocks Gauge
}

// Registry is the node-sharded block index.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[block.NodeID]map[string]*TableBlockState
	count  atomic.Int64
	gauge  Gauge
	logger *slog.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		nodes:  make(map[block.NodeID]map[string]*TableBlockState),
		gauge:  cfg.Blocks,
		logger: logging.Default(cfg.Logger).With("component", "registry"),
	}
}

// state returns the single state for (node, table), creating it if asked.
func (r *Registry) state(node block.NodeID, table string, create bool) *TableBlockState {
	r.mu.RLock()
	s := r.nodes[node][table]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tables := r.nodes[node]
	if tables == nil {
		tables = make(map[string]*TableBlockState)
		r.nodes[node] = tables
	}
	if s = tables[table]; s == nil {
		s = NewTableBlockState(node, table)
		tables[table] = s
	}
	return s
}

// Add registers b under its residence node. A remote block carrying data is
// a protocol bug and panics.
func (r *Registry) Add(b *block.Block) bool {
	if b.Remote() && b.Data != nil {
		panic(fmt.Sprintf("registry: remote block %s carries local data", b.Signature()))
	}
	if !r.state(b.Residence, b.Table, true).Add(b) {
		return false
	}
	r.adjust(1)
	return true
}

// AddBatch adds each block and returns how many were accepted. Rejections
// are logged and skipped.
func (r *Registry) AddBatch(blocks []*block.Block) int {
	added := 0
	for _, b := range blocks {
		if r.Add(b) {
			added++
			continue
		}
		r.logger.Warn("block rejected", "block", b.Signature(), "node", b.Residence)
	}
	return added
}

// Query selects local blocks of table for sel. Blocks are classified in
// chunks of ChunkSize on pool; Query returns after every chunk is done.
// With a nil pool classification runs on the calling goroutine.
func (r *Registry) Query(ctx context.Context, table string, sel Selector, pool *ants.Pool) FilteredBlocks {
	s := r.state(block.InProcess, table, false)
	if s == nil {
		return FilteredBlocks{}
	}
	blocks := s.Query(sel.Window, sel.Version)
	res := FilteredBlocks{Scanned: len(blocks)}
	if len(blocks) == 0 {
		return res
	}

	classes := make([]Class, len(blocks))
	classify := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if ctx.Err() != nil {
				classes[i] = Skip
				continue
			}
			if sel.Classify == nil {
				classes[i] = Maybe
				continue
			}
			classes[i] = sel.Classify(blocks[i])
		}
	}

	var wg sync.WaitGroup
	for lo := 0; lo < len(blocks); lo += ChunkSize {
		hi := min(lo+ChunkSize, len(blocks))
		if pool == nil {
			classify(lo, hi)
			continue
		}
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			classify(lo, hi)
		})
		if err != nil {
			wg.Done()
			classify(lo, hi)
		}
	}
	wg.Wait()

	for i, b := range blocks {
		if classes[i] == Skip {
			res.Skipped++
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{Block: b, Class: classes[i]})
	}
	return res
}

// Nodes returns every node holding at least one block of table.
func (r *Registry) Nodes(table string) []block.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []block.NodeID
	for node, tables := range r.nodes {
		if s := tables[table]; s != nil && s.NumBlocks() > 0 {
			out = append(out, node)
		}
	}
	slices.Sort(out)
	return out
}

// RemoveBySpec drops the local blocks of table produced by spec. Callers
// must not run two removals on the same table at once.
func (r *Registry) RemoveBySpec(table, spec string) int {
	s := r.state(block.InProcess, table, false)
	if s == nil {
		return 0
	}
	n := s.RemoveBySpec(spec)
	r.adjust(-int64(n))
	return n
}

// Metrics merges the rollups of table across all nodes.
func (r *Registry) Metrics(table string) TableMetrics {
	out := TableMetrics{Table: table}
	for _, s := range r.tableStates(table) {
		out.Merge(s.Metrics())
	}
	return out
}

// Hist merges the histogram of column col of table across all nodes. ok is
// false when no node contributes one.
func (r *Registry) Hist(table string, col int) (h histogram.Histogram, ok bool) {
	for _, s := range r.tableStates(table) {
		m := s.Metrics()
		if col < 0 || col >= len(m.Hists) || m.Blocks == 0 {
			continue
		}
		if !ok {
			h = m.Hists[col].Clone()
			ok = true
			continue
		}
		if err := h.Merge(m.Hists[col]); err != nil {
			r.logger.Warn("histogram merge", "table", table, "column", col, "node", s.Node(), "error", err)
		}
	}
	return h, ok
}

// Swap replaces node's entire table map. Swapping the local node is a bug.
func (r *Registry) Swap(node block.NodeID, states map[string]*TableBlockState) {
	if node == block.InProcess {
		panic("registry: swap of the in-process node")
	}
	var added int64
	for table, s := range states {
		if s.Node() != node || s.Table() != table {
			panic(fmt.Sprintf("registry: state (%s, %s) swapped in as (%s, %s)", s.Node(), s.Table(), node, table))
		}
		added += s.NumBlocks()
	}

	r.mu.Lock()
	old := r.nodes[node]
	r.nodes[node] = states
	r.mu.Unlock()

	var removed int64
	for _, s := range old {
		removed += s.NumBlocks()
	}
	r.adjust(added - removed)
}

// RemoveNode drops everything known about node and returns the number of
// blocks removed.
func (r *Registry) RemoveNode(node block.NodeID) int {
	r.mu.Lock()
	old := r.nodes[node]
	delete(r.nodes, node)
	r.mu.Unlock()

	var removed int64
	for _, s := range old {
		removed += s.NumBlocks()
	}
	r.adjust(-removed)
	return int(removed)
}

// Tables returns every table name known on any node.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tables := range r.nodes {
		for t := range tables {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// State returns the state for (node, table) or nil.
func (r *Registry) State(node block.NodeID, table string) *TableBlockState {
	return r.state(node, table, false)
}

// Count returns the approximate number of registered blocks.
func (r *Registry) Count() int64 { return r.count.Load() }

func (r *Registry) tableStates(table string) []*TableBlockState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*TableBlockState
	for _, tables := range r.nodes {
		if s := tables[table]; s != nil {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *TableBlockState) int {
		return strings.Compare(string(a.Node()), string(b.Node()))
	})
	return out
}

func (r *Registry) adjust(delta int64) {
	n := r.count.Add(delta)
	if r.gauge != nil {
		r.gauge.Set(float64(n))
	}
}
