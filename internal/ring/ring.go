// Package ring implements the consistent hash ring that spreads the key
// space over a replica set. Each physical node owns several virtual nodes
// for load smoothing; every key deterministically maps to the first virtual
// node at or after its hashed position, wrapping at the top of the space.
//
// The ring is pure data: it performs no I/O and is never mutated by routers
// or storage nodes. The controller builds new rings with Clone and
// distributes them as read-only snapshots.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrEmptyRing         = errors.New("ring: no virtual nodes")
	ErrDuplicatePosition = errors.New("ring: position already occupied")
	ErrPositionNotFound  = errors.New("ring: position not found")
)

// NodeID identifies a physical node.
type NodeID string

// VirtualNode is one of a physical node's positions on the ring.
type VirtualNode struct {
	Node     NodeID `json:"node"`
	Slot     int    `json:"slot"`
	Position uint64 `json:"position"`
}

// Position computes the ring position for a (node, slot) pair. Two rings
// built from the same virtual node set always agree on every position.
func Position(node NodeID, slot int) uint64 {
	sum := sha256.Sum256([]byte(string(node) + "/" + strconv.Itoa(slot)))
	return binary.BigEndian.Uint64(sum[:8])
}

// Hash maps a scoped key to its ring position.
func Hash(scope, key string) uint64 {
	sum := sha256.Sum256([]byte(scope + "/" + key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Range is a wrap-aware half-open interval (Start, End] of ring positions.
// Start == End denotes the full circle, which is the range of the only
// virtual node on a single-entry ring.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r Range) Contains(pos uint64) bool {
	if r.Start == r.End {
		return true
	}
	if r.Start < r.End {
		return pos > r.Start && pos <= r.End
	}
	return pos > r.Start || pos <= r.End
}

// Ring is an ordered set of virtual node positions.
type Ring struct {
	// sorted by Position, positions unique
	vns []VirtualNode
}

func New() *Ring {
	return &Ring{}
}

// FromVirtualNodes builds a ring from an arbitrary-order virtual node set.
func FromVirtualNodes(vns []VirtualNode) (*Ring, error) {
	r := New()
	for _, vn := range vns {
		if _, err := r.insert(vn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddVirtualNode places a new virtual node for (node, slot) on the ring.
// If the computed position collides with an existing entry the caller is
// expected to retry with a different slot index.
func (r *Ring) AddVirtualNode(node NodeID, slot int) (VirtualNode, error) {
	return r.insert(VirtualNode{Node: node, Slot: slot, Position: Position(node, slot)})
}

func (r *Ring) insert(vn VirtualNode) (VirtualNode, error) {
	i := sort.Search(len(r.vns), func(i int) bool { return r.vns[i].Position >= vn.Position })
	if i < len(r.vns) && r.vns[i].Position == vn.Position {
		return VirtualNode{}, fmt.Errorf("%w: %d", ErrDuplicatePosition, vn.Position)
	}
	r.vns = append(r.vns, VirtualNode{})
	copy(r.vns[i+1:], r.vns[i:])
	r.vns[i] = vn
	return vn, nil
}

// RemoveVirtualNode removes the entry at the given position.
func (r *Ring) RemoveVirtualNode(position uint64) error {
	i := sort.Search(len(r.vns), func(i int) bool { return r.vns[i].Position >= position })
	if i >= len(r.vns) || r.vns[i].Position != position {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, position)
	}
	r.vns = append(r.vns[:i], r.vns[i+1:]...)
	return nil
}

// successorIndex returns the index of the first virtual node at or after
// pos, wrapping to the lowest position.
func (r *Ring) successorIndex(pos uint64) int {
	i := sort.Search(len(r.vns), func(i int) bool { return r.vns[i].Position >= pos })
	if i == len(r.vns) {
		return 0
	}
	return i
}

// Locate resolves the replica set for a hashed position: primary is the
// owning virtual node, secondary the next virtual node clockwise that lives
// on a different physical node. With a single physical node the secondary
// degrades to the primary and replication becomes a no-op.
func (r *Ring) Locate(pos uint64) (primary, secondary VirtualNode, err error) {
	if len(r.vns) == 0 {
		return VirtualNode{}, VirtualNode{}, ErrEmptyRing
	}

	pi := r.successorIndex(pos)
	primary = r.vns[pi]

	for i := 1; i < len(r.vns); i++ {
		vn := r.vns[(pi+i)%len(r.vns)]
		if vn.Node != primary.Node {
			return primary, vn, nil
		}
	}
	// single-replica degenerate mode
	return primary, primary, nil
}

// Owner returns just the primary virtual node for a hashed position.
func (r *Ring) Owner(pos uint64) (VirtualNode, error) {
	if len(r.vns) == 0 {
		return VirtualNode{}, ErrEmptyRing
	}
	return r.vns[r.successorIndex(pos)], nil
}

// RangeOf returns the key range owned by the virtual node at position: the
// interval from its clockwise predecessor (exclusive) to itself
// (inclusive).
func (r *Ring) RangeOf(position uint64) (Range, error) {
	i := sort.Search(len(r.vns), func(i int) bool { return r.vns[i].Position >= position })
	if i >= len(r.vns) || r.vns[i].Position != position {
		return Range{}, fmt.Errorf("%w: %d", ErrPositionNotFound, position)
	}
	prev := r.vns[(i+len(r.vns)-1)%len(r.vns)]
	return Range{Start: prev.Position, End: position}, nil
}

// RangeFor returns the range an incoming virtual node at position would
// carve out of the current ring: from its would-be predecessor (exclusive)
// to the new position (inclusive). On an empty ring that is the full
// circle.
func (r *Ring) RangeFor(position uint64) Range {
	if len(r.vns) == 0 {
		return Range{Start: position, End: position}
	}
	i := sort.Search(len(r.vns), func(i int) bool { return r.vns[i].Position >= position })
	prev := r.vns[(i+len(r.vns)-1)%len(r.vns)]
	return Range{Start: prev.Position, End: position}
}

// VirtualNodes returns the ring entries in position order.
func (r *Ring) VirtualNodes() []VirtualNode {
	out := make([]VirtualNode, len(r.vns))
	copy(out, r.vns)
	return out
}

// VirtualNodesOf returns the entries owned by one physical node.
func (r *Ring) VirtualNodesOf(node NodeID) []VirtualNode {
	var out []VirtualNode
	for _, vn := range r.vns {
		if vn.Node == node {
			out = append(out, vn)
		}
	}
	return out
}

// Nodes returns the distinct physical nodes present on the ring.
func (r *Ring) Nodes() []NodeID {
	seen := make(map[NodeID]struct{})
	var out []NodeID
	for _, vn := range r.vns {
		if _, ok := seen[vn.Node]; !ok {
			seen[vn.Node] = struct{}{}
			out = append(out, vn.Node)
		}
	}
	return out
}

func (r *Ring) Len() int {
	return len(r.vns)
}

// Clone returns an independent copy; the controller mutates the copy and
// publishes it as the next snapshot.
func (r *Ring) Clone() *Ring {
	vns := make([]VirtualNode, len(r.vns))
	copy(vns, r.vns)
	return &Ring{vns: vns}
}
