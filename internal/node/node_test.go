package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/ringkv/internal/crdt"
	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/replication"
	"github.com/driftlab/ringkv/internal/ring"
	"github.com/driftlab/ringkv/internal/storage"
)

var (
	nodeA = protocol.NodeInfo{ID: "a", Address: "a:4000"}
	nodeB = protocol.NodeInfo{ID: "b", Address: "b:4000"}

	fence1 = protocol.Fence{ControllerID: "ctl", Incarnation: 1}
)

type mergeCall struct {
	Target protocol.NodeInfo
	Req    protocol.MergeWriteRequest
}

// fakePeers records node-to-node traffic and can fail the first few merges
// or bulk batches to exercise the retry paths.
type fakePeers struct {
	mu            sync.Mutex
	merges        []mergeCall
	mergeAttempts int
	mergeFail     int
	batches       []protocol.BulkCopyRequest
	bulkFail      int
}

func (p *fakePeers) MergeWrite(_ context.Context, target protocol.NodeInfo, req *protocol.MergeWriteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeAttempts++
	if p.mergeFail > 0 {
		p.mergeFail--
		return assert.AnError
	}
	p.merges = append(p.merges, mergeCall{Target: target, Req: *req})
	return nil
}

func (p *fakePeers) BulkCopy(_ context.Context, _ protocol.NodeInfo, req *protocol.BulkCopyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bulkFail > 0 {
		p.bulkFail--
		return assert.AnError
	}
	batch := *req
	batch.Entries = append([]protocol.Entry(nil), req.Entries...)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *fakePeers) mergeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.merges)
}

func (p *fakePeers) copiedEntries() []protocol.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Entry
	for _, b := range p.batches {
		out = append(out, b.Entries...)
	}
	return out
}

func newTestNode(t *testing.T, info protocol.NodeInfo) (*Node, *fakePeers) {
	t.Helper()

	store, err := storage.Open("kv-"+info.ID, zerolog.Nop(), storage.WithMemFS())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := crdt.NewRegistry()
	require.NoError(t, crdt.BindIn[crdt.Set[string]](registry, "tags"))

	peers := &fakePeers{}
	repl := replication.NewManager(peers, replication.Config{
		Workers:     2,
		QueueSize:   64,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, zerolog.Nop())
	repl.Start()
	t.Cleanup(repl.Stop)

	n, err := New(Config{Info: info, CopyBatchSize: 2}, store, registry, peers, repl, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n, peers
}

// snapshotOwnedBy builds a snapshot whose single virtual node belongs to
// owner, so every key routes there.
func snapshotOwnedBy(version uint64, owner protocol.NodeInfo, others ...protocol.NodeInfo) protocol.Snapshot {
	nodes := map[string]protocol.NodeInfo{owner.ID: owner}
	for _, info := range others {
		nodes[info.ID] = info
	}
	return protocol.Snapshot{
		Version: version,
		Nodes:   nodes,
		VirtualNodes: []ring.VirtualNode{
			{Node: ring.NodeID(owner.ID), Slot: 0, Position: ring.Position(ring.NodeID(owner.ID), 0)},
		},
	}
}

func install(t *testing.T, n *Node, snap protocol.Snapshot) {
	t.Helper()
	require.NoError(t, n.UpdateSnapshot(&protocol.UpdateSnapshotRequest{Fence: fence1, Snapshot: snap}))
}

func encodeSet(t *testing.T, items ...string) []byte {
	t.Helper()
	data, err := crdt.Encode(crdt.NewSet(items...))
	require.NoError(t, err)
	return data
}

func decodeSet(t *testing.T, data []byte) crdt.Set[string] {
	t.Helper()
	s, err := crdt.Decode[crdt.Set[string]](data)
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPutMergesWithExisting(t *testing.T) {
	n, _ := newTestNode(t, nodeA)
	install(t, n, snapshotOwnedBy(1, nodeA))

	ctx := context.Background()
	merged, err := n.Put(ctx, "tags", "post-1", encodeSet(t, "go"))
	require.NoError(t, err)
	assert.True(t, decodeSet(t, merged).Contains("go"))

	merged, err = n.Put(ctx, "tags", "post-1", encodeSet(t, "kv"))
	require.NoError(t, err)

	got := decodeSet(t, merged)
	assert.True(t, got.Contains("go"))
	assert.True(t, got.Contains("kv"))

	stored, err := n.Get(ctx, "tags", "post-1")
	require.NoError(t, err)
	assert.Equal(t, got, decodeSet(t, stored))
}

func TestGetMissingKey(t *testing.T) {
	n, _ := newTestNode(t, nodeA)
	install(t, n, snapshotOwnedBy(1, nodeA))

	_, err := n.Get(context.Background(), "tags", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutUnboundScope(t *testing.T) {
	n, _ := newTestNode(t, nodeA)
	install(t, n, snapshotOwnedBy(1, nodeA))

	_, err := n.Put(context.Background(), "unbound", "k", []byte(`[]`))
	assert.ErrorIs(t, err, ErrScopeUnbound)
}

func TestRequestsRejectedWithoutSnapshot(t *testing.T) {
	n, _ := newTestNode(t, nodeA)

	_, err := n.Get(context.Background(), "tags", "k")
	assert.ErrorIs(t, err, ErrNoView)
}

func TestWrongNodeReturnsOwnerHint(t *testing.T) {
	n, _ := newTestNode(t, nodeA)
	install(t, n, snapshotOwnedBy(1, nodeB, nodeA))

	_, err := n.Get(context.Background(), "tags", "k")
	require.ErrorIs(t, err, protocol.ErrWrongNode)

	var wrong *WrongNodeError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, nodeB.ID, wrong.Hint.ID)

	// Writes are validated the same way.
	_, err = n.Put(context.Background(), "tags", "k", encodeSet(t, "go"))
	require.ErrorIs(t, err, protocol.ErrWrongNode)
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, nodeB.ID, wrong.Hint.ID)
}

func TestMergeWriteSkipsAuthorityCheck(t *testing.T) {
	n, peers := newTestNode(t, nodeA)
	// Everything is owned by b; a replica push must still land here.
	install(t, n, snapshotOwnedBy(1, nodeB, nodeA))

	ctx := context.Background()
	err := n.MergeWrite(ctx, &protocol.MergeWriteRequest{
		Scope: "tags", Key: "post-1", Value: encodeSet(t, "go"),
	})
	require.NoError(t, err)

	err = n.MergeWrite(ctx, &protocol.MergeWriteRequest{
		Scope: "tags", Key: "post-1", Value: encodeSet(t, "kv"),
	})
	require.NoError(t, err)

	// No onward propagation from a replica write.
	assert.Equal(t, 0, peers.mergeCount())
}

func TestMergeWriteConvergesUnderReordering(t *testing.T) {
	left, _ := newTestNode(t, nodeA)
	right, _ := newTestNode(t, nodeB)
	install(t, left, snapshotOwnedBy(1, nodeA, nodeB))
	install(t, right, snapshotOwnedBy(1, nodeB, nodeA))

	ctx := context.Background()
	writes := [][]byte{
		encodeSet(t, "x"),
		encodeSet(t, "y"),
		encodeSet(t, "x", "z"),
	}

	for _, w := range writes {
		require.NoError(t, left.MergeWrite(ctx, &protocol.MergeWriteRequest{Scope: "tags", Key: "k", Value: w}))
	}
	for i := len(writes) - 1; i >= 0; i-- {
		require.NoError(t, right.MergeWrite(ctx, &protocol.MergeWriteRequest{Scope: "tags", Key: "k", Value: writes[i]}))
	}

	// Duplicate delivery must not change the outcome.
	require.NoError(t, right.MergeWrite(ctx, &protocol.MergeWriteRequest{Scope: "tags", Key: "k", Value: writes[0]}))

	lv, err := left.Get(ctx, "tags", "k")
	require.NoError(t, err)
	rv, err := right.Get(ctx, "tags", "k")
	require.NoError(t, err)
	assert.Equal(t, decodeSet(t, lv), decodeSet(t, rv))
	assert.Equal(t, crdt.NewSet("x", "y", "z"), decodeSet(t, lv))
}

func TestFenceRejectsStaleIncarnation(t *testing.T) {
	n, _ := newTestNode(t, nodeA)

	fresh := protocol.Fence{ControllerID: "ctl-2", Incarnation: 2}
	install(t, n, snapshotOwnedBy(1, nodeA))
	require.NoError(t, n.UpdateSnapshot(&protocol.UpdateSnapshotRequest{
		Fence:    fresh,
		Snapshot: snapshotOwnedBy(2, nodeA),
	}))

	err := n.BeginMigrationSource(&protocol.BeginSourceRequest{Fence: fence1, Task: protocol.Migration{TaskID: "t1"}})
	assert.ErrorIs(t, err, protocol.ErrFencedCommand)
}

func TestFencePersistsAcrossRestart(t *testing.T) {
	store, err := storage.Open("kv-restart", zerolog.Nop(), storage.WithMemFS())
	require.NoError(t, err)
	defer store.Close()

	registry := crdt.NewRegistry()
	peers := &fakePeers{}
	repl := replication.NewManager(peers, replication.DefaultConfig(), zerolog.Nop())
	repl.Start()
	defer repl.Stop()

	n, err := New(Config{Info: nodeA}, store, registry, peers, repl, zerolog.Nop())
	require.NoError(t, err)

	fresh := protocol.Fence{ControllerID: "ctl-3", Incarnation: 3}
	require.NoError(t, n.UpdateSnapshot(&protocol.UpdateSnapshotRequest{
		Fence:    fresh,
		Snapshot: snapshotOwnedBy(1, nodeA),
	}))
	n.Close()

	// Same store, new node instance: the fence high-water mark survives.
	n2, err := New(Config{Info: nodeA}, store, registry, peers, repl, zerolog.Nop())
	require.NoError(t, err)
	defer n2.Close()

	err = n2.UpdateSnapshot(&protocol.UpdateSnapshotRequest{
		Fence:    protocol.Fence{ControllerID: "ctl-2", Incarnation: 2},
		Snapshot: snapshotOwnedBy(2, nodeA),
	})
	assert.ErrorIs(t, err, protocol.ErrFencedCommand)
}

func TestOlderSnapshotIgnored(t *testing.T) {
	n, _ := newTestNode(t, nodeA)
	install(t, n, snapshotOwnedBy(5, nodeA))
	install(t, n, snapshotOwnedBy(3, nodeB, nodeA))

	// Still serving: the version-3 snapshot must not have replaced version 5.
	_, err := n.Get(context.Background(), "tags", "k")
	assert.True(t, errors.Is(err, ErrNotFound))
}
