package registry

import (
	"errors"
	"fmt"

	"nebula/internal/block"
)

// ErrBadInventory is returned for an inventory that cannot be mirrored.
var ErrBadInventory = errors.New("bad inventory")

// Inventory is a node's report of the blocks it holds, without data.
type Inventory struct {
	Node   block.NodeID   `msgpack:"node"`
	Blocks []*block.Block `msgpack:"blocks"`

	// Specs maps each spec the node has fully loaded to the bytes it loaded.
	Specs map[string]int64 `msgpack:"specs,omitempty"`
}

// Inventory snapshots the local blocks, re-homed to self so the receiver can
// register them as remote.
func (r *Registry) Inventory(self block.NodeID) *Inventory {
	inv := &Inventory{Node: self}
	r.mu.RLock()
	local := make([]*TableBlockState, 0, len(r.nodes[block.InProcess]))
	for _, s := range r.nodes[block.InProcess] {
		local = append(local, s)
	}
	r.mu.RUnlock()

	for _, s := range local {
		for _, b := range s.Blocks() {
			inv.Blocks = append(inv.Blocks, b.Meta(self))
		}
	}
	return inv
}

// States builds the per-table states of a remote inventory, ready for Swap.
// Every block must be remote, owned by inv.Node, free of data and listed
// once.
func (inv *Inventory) States() (map[string]*TableBlockState, error) {
	if inv.Node == block.InProcess {
		return nil, fmt.Errorf("%w: reported by the in-process node", ErrBadInventory)
	}
	states := make(map[string]*TableBlockState)
	for _, b := range inv.Blocks {
		if b.Residence != inv.Node {
			return nil, fmt.Errorf("%w: block %s resides on %s, reported by %s", ErrBadInventory, b.Signature(), b.Residence, inv.Node)
		}
		if b.Data != nil {
			panic(fmt.Sprintf("registry: remote block %s carries local data", b.Signature()))
		}
		s := states[b.Table]
		if s == nil {
			s = NewTableBlockState(inv.Node, b.Table)
			states[b.Table] = s
		}
		if !s.Add(b) {
			return nil, fmt.Errorf("%w: block %s reported twice", ErrBadInventory, b.Signature())
		}
	}
	return states, nil
}
