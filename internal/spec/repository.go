package spec

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"nebula/internal/block"
	"nebula/internal/config"
	"nebula/internal/logging"
)

// Node is a worker node as seen by one Assign or Refresh call.
type Node struct {
	ID     block.NodeID
	Active bool
}

// Caller dispatches an expiration batch to a node.
type Caller func(ctx context.Context, node block.NodeID, specs []*IngestSpec) error

// Diff summarizes one refresh.
type Diff struct {
	Total   int
	New     int
	Renewed int
	Dropped int
}

// Config configures a Repository.
type Config struct {
	Generator *Generator
	Logger    *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Repository holds the current spec generation and its assignment state.
//
// Refresh, Assign, Expire and Lost are driven by a single scheduler and are
// not meant to race each other; readers may run concurrently with them.
type Repository struct {
	gen    *Generator
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	specs  map[string]*IngestSpec
	tables map[string]config.Table
	// expired holds IDs removed by retention so refresh does not bring them
	// back while the source still lists them.
	expired map[string]string
	// orphans are dropped specs whose node still holds their blocks.
	orphans []*IngestSpec
	// seed is affinity restored from metadata, applied to new IDs.
	seed   map[string]block.NodeID
	cursor int
}

// NewRepository creates an empty repository.
func NewRepository(cfg Config) *Repository {
	r := &Repository{
		gen:     cfg.Generator,
		logger:  logging.Default(cfg.Logger).With("component", "spec-repository"),
		now:     cfg.Now,
		specs:   make(map[string]*IngestSpec),
		tables:  make(map[string]config.Table),
		expired: make(map[string]string),
		seed:    make(map[string]block.NodeID),
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Refresh regenerates every table's specs and diffs the result against the
// current generation by ID. A table whose generation fails keeps its
// previous specs.
func (r *Repository) Refresh(ctx context.Context, tables []config.Table, nodes []Node) Diff {
	now := r.now()
	generated := make(map[string][]*IngestSpec, len(tables))
	for _, t := range tables {
		specs, err := r.gen.Generate(ctx, t, now)
		if err != nil {
			r.logger.Warn("spec generation failed", "table", t.Name, "error", err)
			continue
		}
		generated[t.Name] = specs
	}
	active := activeSet(nodes)

	r.mu.Lock()
	defer r.mu.Unlock()

	var d Diff
	next := make(map[string]*IngestSpec, len(r.specs))
	live := make(map[string]bool)
	for _, specs := range generated {
		for _, s := range specs {
			live[s.ID] = true
			if _, gone := r.expired[s.ID]; gone {
				continue
			}
			prev, ok := r.specs[s.ID]
			switch {
			case !ok:
				s.State = New
				s.Created = now
				if n, ok := r.seed[s.ID]; ok && active[n] {
					s.Node = n
					s.State = Assigned
					delete(r.seed, s.ID)
				}
				d.New++
			case prev.Bytes != s.Bytes:
				s.Created = prev.Created
				s.State = Renew
				if active[prev.Node] {
					s.Node = prev.Node
				}
				d.Renewed++
			default:
				s.Created = prev.Created
				s.State = prev.State
				s.Node = prev.Node
				s.Dispatched = prev.Dispatched
				s.Confirmed = prev.Confirmed
			}
			next[s.ID] = s
		}
	}

	for id, prev := range r.specs {
		if _, ok := next[id]; ok {
			continue
		}
		if _, ok := generated[prev.Table]; !ok && hasTable(tables, prev.Table) {
			next[id] = prev
			continue
		}
		d.Dropped++
		if prev.Node != "" {
			r.orphans = append(r.orphans, prev)
		}
	}

	// A dropped ID that reappears is a new spec; its old blocks are no
	// longer an orphan's to expire.
	r.orphans = slices.DeleteFunc(r.orphans, func(o *IngestSpec) bool {
		_, ok := next[o.ID]
		return ok
	})

	for id, table := range r.expired {
		if _, ok := generated[table]; ok && !live[id] {
			delete(r.expired, id)
		}
	}

	r.tables = make(map[string]config.Table, len(tables))
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	r.specs = next
	d.Total = len(next)

	if d.New > 0 || d.Renewed > 0 || d.Dropped > 0 {
		r.logger.Info("specs refreshed", "total", d.Total, "new", d.New, "renewed", d.Renewed, "dropped", d.Dropped)
	}
	return d
}

// Assign round-robins every spec without an active node over the active
// nodes. The node list is a snapshot for the whole call. It returns the
// number of specs assigned and the number of distinct nodes that received
// one. With no active node nothing is assigned.
func (r *Repository) Assign(nodes []Node) (tasks, used int) {
	var ring []block.NodeID
	for _, n := range nodes {
		if n.Active {
			ring = append(ring, n.ID)
		}
	}
	active := activeSet(nodes)

	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.specs {
		if !active[s.Node] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, 0
	}
	if len(ring) == 0 {
		r.logger.Warn("no active node to assign specs to", "pending", len(ids))
		return 0, 0
	}
	slices.Sort(ids)

	seen := make(map[block.NodeID]bool)
	for _, id := range ids {
		n := ring[r.cursor%len(ring)]
		r.cursor++
		s := r.specs[id]
		s.Node = n
		// A renewed spec keeps its state so its node replaces the old blocks.
		if s.State != Renew {
			s.State = Assigned
		}
		s.Confirmed = false
		s.Dispatched = time.Time{}
		seen[n] = true
	}
	r.logger.Info("specs assigned", "specs", len(ids), "nodes", len(seen))
	return len(ids), len(seen)
}

// Confirm records that node holds the spec's blocks. A claim by a node
// other than the spec's affinity is rejected.
func (r *Repository) Confirm(id string, node block.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[id]
	if !ok {
		return false
	}
	if s.Node != "" && s.Node != node {
		r.logger.Warn("spec move rejected", "spec", id, "owner", s.Node, "claimant", node)
		return false
	}
	s.Node = node
	s.Confirmed = true
	if s.State == New {
		s.State = Assigned
	}
	return true
}

// Lost clears the affinity of every spec held by node so the next Assign
// moves them. It returns the number of specs affected.
func (r *Repository) Lost(node block.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.specs {
		if s.Node == node {
			s.Node = ""
			s.Confirmed = false
			s.Dispatched = time.Time{}
			n++
		}
	}
	r.orphans = slices.DeleteFunc(r.orphans, func(s *IngestSpec) bool { return s.Node == node })
	if n > 0 {
		r.logger.Info("node lost, specs released", "node", node, "specs", n)
	}
	return n
}

// Dispatchable returns copies of the specs that have a node but are not
// confirmed and were not dispatched within retry.
func (r *Repository) Dispatchable(now time.Time, retry time.Duration) []*IngestSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*IngestSpec
	for _, s := range r.specs {
		if s.Node == "" || s.Confirmed {
			continue
		}
		if !s.Dispatched.IsZero() && now.Sub(s.Dispatched) < retry {
			continue
		}
		out = append(out, s.Clone())
	}
	sortSpecs(out)
	return out
}

// MarkDispatched records a dispatch attempt.
func (r *Repository) MarkDispatched(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.specs[id]; ok {
		s.Dispatched = at
	}
}

// Expire removes the specs that break their table's retention, and the
// specs dropped by refresh while still held by a node. Each node receives
// one batch; a batch that fails to dispatch is kept and retried on the next
// call. It returns the number of specs removed.
func (r *Repository) Expire(ctx context.Context, call Caller) int {
	now := r.now()

	r.mu.RLock()
	var expired []*IngestSpec
	byTable := make(map[string][]*IngestSpec)
	for _, s := range r.specs {
		byTable[s.Table] = append(byTable[s.Table], s)
	}
	for table, specs := range byTable {
		t, ok := r.tables[table]
		if !ok {
			continue
		}
		expired = append(expired, r.overRetention(t, specs, now)...)
	}
	orphans := slices.Clone(r.orphans)
	r.mu.RUnlock()

	if len(expired) == 0 && len(orphans) == 0 {
		return 0
	}

	batches := make(map[block.NodeID][]*IngestSpec)
	for _, s := range append(slices.Clone(expired), orphans...) {
		if s.Node != "" {
			batches[s.Node] = append(batches[s.Node], s.Clone())
		}
	}
	failed := make(map[block.NodeID]bool)
	for _, node := range slices.Sorted(maps.Keys(batches)) {
		batch := batches[node]
		if err := call(ctx, node, batch); err != nil {
			r.logger.Warn("expiration dispatch failed", "node", node, "specs", len(batch), "error", err)
			failed[node] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, s := range expired {
		if failed[s.Node] {
			continue
		}
		if _, ok := r.specs[s.ID]; ok {
			delete(r.specs, s.ID)
			r.expired[s.ID] = s.Table
			removed++
		}
	}
	r.orphans = slices.DeleteFunc(r.orphans, func(s *IngestSpec) bool {
		if failed[s.Node] || !slices.Contains(orphans, s) {
			return false
		}
		removed++
		return true
	})
	if removed > 0 {
		r.logger.Info("specs expired", "removed", removed, "failed_nodes", len(failed))
	}
	return removed
}

// overRetention selects the specs of one table beyond max age or max size.
// Size retention keeps the newest specs.
func (r *Repository) overRetention(t config.Table, specs []*IngestSpec, now time.Time) []*IngestSpec {
	maxAge := t.Retention.MaxAge()
	maxBytes, err := t.Retention.MaxBytes()
	if err != nil {
		r.logger.Warn("invalid retention", "table", t.Name, "error", err)
		maxBytes = 0
	}
	if maxAge <= 0 && maxBytes <= 0 {
		return nil
	}
	specs = slices.Clone(specs)
	slices.SortFunc(specs, func(a, b *IngestSpec) int {
		return cmp.Or(b.Time().Compare(a.Time()), strings.Compare(a.ID, b.ID))
	})
	var out []*IngestSpec
	var total int64
	for _, s := range specs {
		total += s.Bytes
		switch {
		case maxAge > 0 && now.Sub(s.Time()) > maxAge:
			out = append(out, s)
		case maxBytes > 0 && total > maxBytes:
			out = append(out, s)
		}
	}
	return out
}

// Seed restores affinity, typically read back from metadata at startup. It
// applies to IDs that the next refresh generates as new.
func (r *Repository) Seed(affinity map[string]block.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.seed, affinity)
}

// Affinity returns the node of every assigned spec.
func (r *Repository) Affinity() map[string]block.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]block.NodeID, len(r.specs))
	for id, s := range r.specs {
		if s.Node != "" {
			out[id] = s.Node
		}
	}
	return out
}

// Get returns a copy of one spec.
func (r *Repository) Get(id string) (*IngestSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Specs returns copies of every spec, sorted by table then ID.
func (r *Repository) Specs() []*IngestSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*IngestSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s.Clone())
	}
	sortSpecs(out)
	return out
}

// Len returns the number of specs.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

func sortSpecs(specs []*IngestSpec) {
	slices.SortFunc(specs, func(a, b *IngestSpec) int {
		return cmp.Or(strings.Compare(a.Table, b.Table), strings.Compare(a.ID, b.ID))
	})
}

func activeSet(nodes []Node) map[block.NodeID]bool {
	m := make(map[block.NodeID]bool, len(nodes))
	for _, n := range nodes {
		if n.Active {
			m[n.ID] = true
		}
	}
	return m
}

func hasTable(tables []config.Table, name string) bool {
	return slices.ContainsFunc(tables, func(t config.Table) bool { return t.Name == name })
}
