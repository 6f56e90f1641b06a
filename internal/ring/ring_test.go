package ring

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildRing(t *testing.T, nodes []NodeID, slots int) *Ring {
	t.Helper()

	r := New()
	for _, node := range nodes {
		for slot := 0; slot < slots; slot++ {
			if _, err := r.AddVirtualNode(node, slot); err != nil {
				t.Fatalf("add %s/%d: %v", node, slot, err)
			}
		}
	}
	return r
}

func TestLocateEmptyRing(t *testing.T) {
	r := New()
	if _, _, err := r.Locate(42); err != ErrEmptyRing {
		t.Fatalf("Locate() error = %v, want ErrEmptyRing", err)
	}
}

func TestLocateDeterministic(t *testing.T) {
	r := buildRing(t, []NodeID{"a", "b", "c"}, 16)

	for i := 0; i < 64; i++ {
		pos := Hash("scope", fmt.Sprintf("key-%d", i))
		p1, s1, err := r.Locate(pos)
		if err != nil {
			t.Fatalf("Locate() error = %v", err)
		}
		for j := 0; j < 10; j++ {
			p2, s2, err := r.Locate(pos)
			if err != nil {
				t.Fatalf("Locate() error = %v", err)
			}
			if p1 != p2 || s1 != s2 {
				t.Fatalf("Locate() not deterministic: (%v,%v) vs (%v,%v)", p1, s1, p2, s2)
			}
		}
	}
}

func TestLocateIndependentOfConstructionOrder(t *testing.T) {
	nodes := []NodeID{"a", "b", "c", "d"}
	forward := buildRing(t, nodes, 8)

	// Same virtual node set, inserted in shuffled order.
	vns := forward.VirtualNodes()
	rand.New(rand.NewSource(1)).Shuffle(len(vns), func(i, j int) { vns[i], vns[j] = vns[j], vns[i] })
	shuffled, err := FromVirtualNodes(vns)
	if err != nil {
		t.Fatalf("FromVirtualNodes() error = %v", err)
	}

	if diff := cmp.Diff(forward.VirtualNodes(), shuffled.VirtualNodes()); diff != "" {
		t.Fatalf("ring contents differ (-forward +shuffled):\n%s", diff)
	}

	for i := 0; i < 128; i++ {
		pos := Hash("s", fmt.Sprintf("k%d", i))
		p1, s1, _ := forward.Locate(pos)
		p2, s2, _ := shuffled.Locate(pos)
		if p1 != p2 || s1 != s2 {
			t.Fatalf("rings disagree for pos %d: (%v,%v) vs (%v,%v)", pos, p1, s1, p2, s2)
		}
	}
}

func TestLocateDistinctPhysicalNodes(t *testing.T) {
	r := buildRing(t, []NodeID{"a", "b", "c"}, 32)

	for i := 0; i < 256; i++ {
		pos := Hash("s", fmt.Sprintf("k%d", i))
		primary, secondary, err := r.Locate(pos)
		if err != nil {
			t.Fatalf("Locate() error = %v", err)
		}
		if primary.Node == secondary.Node {
			t.Fatalf("replicas colocated on %s for pos %d", primary.Node, pos)
		}
	}
}

func TestLocateSingleNodeDegenerate(t *testing.T) {
	r := buildRing(t, []NodeID{"solo"}, 8)

	primary, secondary, err := r.Locate(Hash("s", "k"))
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if primary != secondary {
		t.Fatalf("single-node ring should return primary twice, got %v and %v", primary, secondary)
	}
}

func TestAddDuplicatePosition(t *testing.T) {
	r := New()
	if _, err := r.AddVirtualNode("a", 0); err != nil {
		t.Fatalf("AddVirtualNode() error = %v", err)
	}
	if _, err := r.AddVirtualNode("a", 0); err == nil {
		t.Fatal("expected ErrDuplicatePosition for same (node, slot)")
	}
}

func TestRemoveVirtualNode(t *testing.T) {
	r := New()
	vn, err := r.AddVirtualNode("a", 0)
	if err != nil {
		t.Fatalf("AddVirtualNode() error = %v", err)
	}

	if err := r.RemoveVirtualNode(vn.Position); err != nil {
		t.Fatalf("RemoveVirtualNode() error = %v", err)
	}
	if err := r.RemoveVirtualNode(vn.Position); err == nil {
		t.Fatal("expected ErrPositionNotFound for removed position")
	}
	if r.Len() != 0 {
		t.Fatalf("ring should be empty, has %d entries", r.Len())
	}
}

func TestRangeOfWrapAround(t *testing.T) {
	r := buildRing(t, []NodeID{"a", "b"}, 4)

	vns := r.VirtualNodes()
	lowest := vns[0]

	// The lowest position's range wraps around the top of the space.
	rg, err := r.RangeOf(lowest.Position)
	if err != nil {
		t.Fatalf("RangeOf() error = %v", err)
	}
	if rg.Start != vns[len(vns)-1].Position {
		t.Fatalf("range start = %d, want predecessor %d", rg.Start, vns[len(vns)-1].Position)
	}
	if !rg.Contains(lowest.Position) {
		t.Fatal("range must contain its own position")
	}
	if !rg.Contains(rg.Start + 1) {
		t.Fatal("wrap range must contain positions above start")
	}
	if rg.Contains(rg.Start) {
		t.Fatal("range start is exclusive")
	}
}

func TestRangeForMatchesRangeOfAfterInsert(t *testing.T) {
	r := buildRing(t, []NodeID{"a", "b"}, 4)

	pos := Position("c", 0)
	carved := r.RangeFor(pos)

	if _, err := r.AddVirtualNode("c", 0); err != nil {
		t.Fatalf("AddVirtualNode() error = %v", err)
	}
	owned, err := r.RangeOf(pos)
	if err != nil {
		t.Fatalf("RangeOf() error = %v", err)
	}
	if carved != owned {
		t.Fatalf("RangeFor = %+v, RangeOf after insert = %+v", carved, owned)
	}
}

func TestEveryKeyRoutesIntoOwnersRange(t *testing.T) {
	r := buildRing(t, []NodeID{"a", "b", "c"}, 16)

	for i := 0; i < 512; i++ {
		pos := Hash("s", fmt.Sprintf("k%d", i))
		primary, _, err := r.Locate(pos)
		if err != nil {
			t.Fatalf("Locate() error = %v", err)
		}
		rg, err := r.RangeOf(primary.Position)
		if err != nil {
			t.Fatalf("RangeOf() error = %v", err)
		}
		if !rg.Contains(pos) {
			t.Fatalf("key pos %d not in owner range %+v", pos, rg)
		}
	}
}

func TestRangeContains(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		pos  uint64
		want bool
	}{
		{"inside simple", Range{Start: 10, End: 20}, 15, true},
		{"start exclusive", Range{Start: 10, End: 20}, 10, false},
		{"end inclusive", Range{Start: 10, End: 20}, 20, true},
		{"outside simple", Range{Start: 10, End: 20}, 25, false},
		{"wrap high side", Range{Start: 100, End: 5}, 200, true},
		{"wrap low side", Range{Start: 100, End: 5}, 3, true},
		{"wrap outside", Range{Start: 100, End: 5}, 50, false},
		{"full circle", Range{Start: 7, End: 7}, 7, true},
		{"full circle other", Range{Start: 7, End: 7}, 12345, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Contains(tt.pos); got != tt.want {
				t.Errorf("Contains(%d) = %v, want %v", tt.pos, got, tt.want)
			}
		})
	}
}
