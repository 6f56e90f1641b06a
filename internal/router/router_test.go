package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/ring"
)

var (
	nodeA = protocol.NodeInfo{ID: "a", Address: "localhost:8001"}
	nodeB = protocol.NodeInfo{ID: "b", Address: "localhost:8002"}
)

func twoNodeSnapshot(t *testing.T, version uint64) *protocol.Snapshot {
	t.Helper()

	r := ring.New()
	for slot := 0; slot < 8; slot++ {
		_, err := r.AddVirtualNode("a", slot)
		require.NoError(t, err)
		_, err = r.AddVirtualNode("b", slot)
		require.NoError(t, err)
	}
	return &protocol.Snapshot{
		Version:      version,
		Nodes:        map[string]protocol.NodeInfo{"a": nodeA, "b": nodeB},
		VirtualNodes: r.VirtualNodes(),
	}
}

func TestRouteWithoutSnapshot(t *testing.T) {
	r := New()
	_, err := r.Route("s", "k", OpRead)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestUpdateRejectsOlderVersion(t *testing.T) {
	r := New()

	installed, err := r.Update(twoNodeSnapshot(t, 5))
	require.NoError(t, err)
	assert.True(t, installed)

	installed, err = r.Update(twoNodeSnapshot(t, 3))
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, uint64(5), r.Version())
}

func TestRouteFollowsRingOwner(t *testing.T) {
	r := New()
	snap := twoNodeSnapshot(t, 1)
	_, err := r.Update(snap)
	require.NoError(t, err)

	rg, err := ring.FromVirtualNodes(snap.VirtualNodes)
	require.NoError(t, err)

	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		owner, err := rg.Owner(ring.Hash("s", key))
		require.NoError(t, err)

		got, err := r.Route("s", key, OpWrite)
		require.NoError(t, err)
		assert.Equal(t, string(owner.Node), got.ID, "key %s", key)
	}
}

func TestRouteMigrationOverlay(t *testing.T) {
	// The overlay covers the full circle so every key is affected,
	// regardless of where it hashes.
	full := ring.Range{Start: 42, End: 42}

	tests := []struct {
		name   string
		state  protocol.MigrationState
		policy protocol.RoutePolicy
		want   protocol.NodeInfo
	}{
		{"not started routes old", protocol.MigrationNotStarted, protocol.RouteDirectToNew, nodeA},
		{"replicating routes old", protocol.MigrationReplicating, protocol.RouteDirectToNew, nodeA},
		{"proxying direct routes new", protocol.MigrationProxying, protocol.RouteDirectToNew, nodeB},
		{"proxying via old routes old", protocol.MigrationProxying, protocol.RouteProxyThroughOld, nodeA},
		{"complete routes new", protocol.MigrationComplete, protocol.RouteDirectToNew, nodeB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			snap := twoNodeSnapshot(t, 1)
			snap.Migrations = map[string]*protocol.Migration{
				"task-1": {
					TaskID: "task-1",
					Range:  full,
					State:  tt.state,
					Policy: tt.policy,
					Old:    nodeA,
					New:    nodeB,
				},
			}
			_, err := r.Update(snap)
			require.NoError(t, err)

			got, err := r.Route("s", "any-key", OpWrite)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplicasDistinct(t *testing.T) {
	r := New()
	_, err := r.Update(twoNodeSnapshot(t, 1))
	require.NoError(t, err)

	primary, secondary, err := r.Replicas("s", "k")
	require.NoError(t, err)
	assert.NotEqual(t, primary.ID, secondary.ID)
}
