// Package node implements the storage node: it serves reads and writes for
// the key ranges it owns, applies CRDT merges on every write, validates
// routing against its own authoritative view, and plays source or
// destination in live range migrations.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/crdt"
	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/replication"
	"github.com/driftlab/ringkv/internal/ring"
	"github.com/driftlab/ringkv/internal/router"
	"github.com/driftlab/ringkv/internal/storage"
)

var (
	ErrNotFound     = errors.New("node: key not found")
	ErrNoView       = errors.New("node: no routing snapshot installed yet")
	ErrUnknownTask  = errors.New("node: unknown migration task")
	ErrScopeUnbound = errors.New("node: scope has no CRDT type bound")
)

// WrongNodeError is returned when this node is not authoritative for a
// key; Hint names the owner the caller should retry against.
type WrongNodeError struct {
	Hint protocol.NodeInfo
}

func (e *WrongNodeError) Error() string {
	return fmt.Sprintf("%v: retry against %s", protocol.ErrWrongNode, e.Hint.ID)
}

func (e *WrongNodeError) Unwrap() error {
	return protocol.ErrWrongNode
}

// Peers delivers node-to-node traffic. Both calls are idempotent merges.
type Peers interface {
	MergeWrite(ctx context.Context, target protocol.NodeInfo, req *protocol.MergeWriteRequest) error
	BulkCopy(ctx context.Context, target protocol.NodeInfo, req *protocol.BulkCopyRequest) error
}

type Config struct {
	Info protocol.NodeInfo
	// CopyBatchSize bounds the entries per bulk-copy batch.
	CopyBatchSize int
}

const (
	defaultCopyBatchSize = 256
	fenceMetaKey         = "fence"
)

type Node struct {
	cfg      Config
	store    *storage.Store
	registry *crdt.Registry
	peers    Peers
	repl     *replication.Manager

	// view is the controller-pushed routing snapshot this node validates
	// incoming requests against.
	view *router.Router

	locks keyLocks

	mu    sync.Mutex
	tasks map[string]*migrationTask
	fence protocol.Fence

	logger zerolog.Logger
}

func New(cfg Config, store *storage.Store, registry *crdt.Registry, peers Peers, repl *replication.Manager, logger zerolog.Logger) (*Node, error) {
	if cfg.CopyBatchSize <= 0 {
		cfg.CopyBatchSize = defaultCopyBatchSize
	}

	n := &Node{
		cfg:      cfg,
		store:    store,
		registry: registry,
		peers:    peers,
		repl:     repl,
		view:     router.New(),
		tasks:    make(map[string]*migrationTask),
		logger:   logger.With().Str("layer", "node").Str("node_id", cfg.Info.ID).Logger(),
	}

	if err := n.loadFence(); err != nil {
		return nil, fmt.Errorf("failed to load fence state: %w", err)
	}
	return n, nil
}

func (n *Node) Info() protocol.NodeInfo {
	return n.cfg.Info
}

// View exposes the node's routing view for status reporting.
func (n *Node) View() *router.Router {
	return n.view
}

// UpdateSnapshot installs a controller-pushed routing snapshot.
func (n *Node) UpdateSnapshot(req *protocol.UpdateSnapshotRequest) error {
	if err := n.checkFence(req.Fence); err != nil {
		return err
	}
	_, err := n.view.Update(&req.Snapshot)
	return err
}

// Get reads a scoped key. Returns ErrNotFound when absent and a
// WrongNodeError when this node is not authoritative.
func (n *Node) Get(ctx context.Context, scope, key string) ([]byte, error) {
	pos := ring.Hash(scope, key)
	if err := n.checkAuthority(scope, key, pos, router.OpRead); err != nil {
		return nil, err
	}

	mu := n.locks.lock(pos)
	defer mu.Unlock()

	value, err := n.store.Get(scope, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Put merges value into the stored value for the scoped key (a bare insert
// when absent), enqueues the secondary replica push, and forwards the write
// to a migration destination when this node is an active source for the
// key's range. The post-merge value is returned.
func (n *Node) Put(ctx context.Context, scope, key string, value []byte) ([]byte, error) {
	pos := ring.Hash(scope, key)
	if err := n.checkAuthority(scope, key, pos, router.OpWrite); err != nil {
		return nil, err
	}

	merged, err := n.mergeLocally(scope, key, pos, value)
	if err != nil {
		return nil, err
	}

	n.replicate(scope, key, merged)
	n.forward(pos, scope, key, merged)
	return merged, nil
}

// MergeWrite applies a peer's write: secondary replication or migration
// forwarding. No authority check and no onward propagation; the primary
// already did both.
func (n *Node) MergeWrite(ctx context.Context, req *protocol.MergeWriteRequest) error {
	pos := ring.Hash(req.Scope, req.Key)
	_, err := n.mergeLocally(req.Scope, req.Key, pos, req.Value)
	return err
}

// ApplyBulkCopy merges one batch of a migration's background copy.
func (n *Node) ApplyBulkCopy(ctx context.Context, req *protocol.BulkCopyRequest) error {
	for _, entry := range req.Entries {
		pos := ring.Hash(entry.Scope, entry.Key)
		if _, err := n.mergeLocally(entry.Scope, entry.Key, pos, entry.Value); err != nil {
			return fmt.Errorf("failed to apply bulk entry %s/%s: %w", entry.Scope, entry.Key, err)
		}
	}
	return nil
}

func (n *Node) mergeLocally(scope, key string, pos uint64, value []byte) ([]byte, error) {
	if !n.registry.Bound(scope) {
		return nil, fmt.Errorf("%w: %s", ErrScopeUnbound, scope)
	}

	mu := n.locks.lock(pos)
	defer mu.Unlock()

	existing, err := n.store.Get(scope, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := n.registry.Validate(scope, value); err != nil {
			return nil, fmt.Errorf("value does not decode in scope %s: %w", scope, err)
		}
		if err := n.store.Set(scope, key, value); err != nil {
			return nil, err
		}
		return value, nil
	case err != nil:
		return nil, err
	}

	merged, err := n.registry.Merge(scope, existing, value)
	if err != nil {
		return nil, err
	}
	if err := n.store.Set(scope, key, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// checkAuthority validates a client request against this node's own view.
// A stale router is bounced with the current owner as a hint rather than
// silently mis-served.
func (n *Node) checkAuthority(scope, key string, pos uint64, op router.Op) error {
	target, err := n.view.Route(scope, key, op)
	if err != nil {
		if errors.Is(err, router.ErrNoSnapshot) {
			return ErrNoView
		}
		return err
	}
	if target.ID == n.cfg.Info.ID {
		return nil
	}

	if task := n.sourceTaskCovering(pos); task != nil {
		task.bounces.Add(1)
	}
	return &WrongNodeError{Hint: target}
}

func (n *Node) replicate(scope, key string, merged []byte) {
	_, secondary, err := n.view.Replicas(scope, key)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to resolve secondary replica")
		return
	}
	if secondary.ID == n.cfg.Info.ID {
		return // single-replica degenerate mode
	}
	n.repl.Enqueue(replication.Job{
		Target: secondary,
		Req:    protocol.MergeWriteRequest{Scope: scope, Key: key, Value: merged},
	})
}

// forward dual-writes a live write to the migration destination while this
// node is a source in Replicating or Proxying state for the key's range.
func (n *Node) forward(pos uint64, scope, key string, merged []byte) {
	task := n.sourceTaskCovering(pos)
	if task == nil {
		return
	}
	// The forward must outlive the copy cursor: once the source range is
	// dropped on Complete, the destination's copy is the only one left.
	n.repl.Enqueue(replication.Job{
		Target:     task.m.New,
		Req:        protocol.MergeWriteRequest{Scope: scope, Key: key, Value: merged},
		Persistent: true,
	})
}

func (n *Node) sourceTaskCovering(pos uint64) *migrationTask {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, task := range n.tasks {
		if task.role != roleSource {
			continue
		}
		if task.state != protocol.MigrationReplicating && task.state != protocol.MigrationProxying {
			continue
		}
		if task.m.Range.Contains(pos) {
			return task
		}
	}
	return nil
}

// checkFence admits a command only from the highest controller incarnation
// seen so far, persisting new high-water marks.
func (n *Node) checkFence(f protocol.Fence) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.checkFenceLocked(f)
}

func (n *Node) checkFenceLocked(f protocol.Fence) error {
	switch {
	case f.Incarnation < n.fence.Incarnation:
		return fmt.Errorf("%w: incarnation %d < %d", protocol.ErrFencedCommand, f.Incarnation, n.fence.Incarnation)
	case f.Incarnation == n.fence.Incarnation && n.fence.ControllerID != "" && f.ControllerID != n.fence.ControllerID:
		return fmt.Errorf("%w: controller %s is not the fence holder", protocol.ErrFencedCommand, f.ControllerID)
	case f.Incarnation > n.fence.Incarnation || n.fence.ControllerID == "":
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := n.store.SetMeta(fenceMetaKey, data); err != nil {
			return fmt.Errorf("failed to persist fence: %w", err)
		}
		n.fence = f
	}
	return nil
}

func (n *Node) loadFence() error {
	data, err := n.store.GetMeta(fenceMetaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &n.fence)
}

// Close stops background migration copies. The replication manager is owned
// by the caller that wired it.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, task := range n.tasks {
		if task.cancel != nil {
			task.cancel()
		}
	}
}
