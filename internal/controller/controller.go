// Package controller drives cluster membership. It owns the authoritative
// ring, creates one migration task per virtual node being introduced or
// drained, walks each task through its states, and publishes versioned
// routing snapshots to every node. There is exactly one live controller;
// fencing incarnations keep a superseded one from issuing commands.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/ring"
)

var (
	ErrNodeExists       = errors.New("controller: node is already a member")
	ErrUnknownNode      = errors.New("controller: unknown node")
	ErrUnknownTask      = errors.New("controller: unknown migration task")
	ErrChangeInProgress = errors.New("controller: a membership change is already in progress")
	ErrLastNode         = errors.New("controller: cannot drain the last node")
	ErrTaskComplete     = errors.New("controller: task already completed")
)

// NodeControl is the controller's command channel to a node. Every call is
// idempotent so the reconcile loop can re-issue freely.
type NodeControl interface {
	BeginMigrationSource(ctx context.Context, target protocol.NodeInfo, req *protocol.BeginSourceRequest) error
	BeginMigrationDestination(ctx context.Context, target protocol.NodeInfo, req *protocol.BeginDestinationRequest) error
	AdvanceState(ctx context.Context, target protocol.NodeInfo, req *protocol.AdvanceStateRequest) error
	MigrationStatus(ctx context.Context, target protocol.NodeInfo, req *protocol.MigrationStatusRequest) (*protocol.MigrationStatusResponse, error)
	PushSnapshot(ctx context.Context, target protocol.NodeInfo, req *protocol.UpdateSnapshotRequest) error
}

type Config struct {
	// ID identifies this controller in fence tokens. Random when empty.
	ID string
	// Slots is the virtual node count per joining physical node.
	Slots int
	// ReconcileInterval is the tick of the migration state machine.
	ReconcileInterval time.Duration
	// QuietWindow is how long the old owner's bounce counter must sit
	// still before a Proxying task may complete.
	QuietWindow time.Duration
	// StallAfter is how long a task may sit without progress before it is
	// reported as stalled.
	StallAfter time.Duration
	// Policy decides how routers reach a range during Proxying.
	Policy protocol.RoutePolicy
}

func DefaultConfig() Config {
	return Config{
		Slots:             8,
		ReconcileInterval: 500 * time.Millisecond,
		QuietWindow:       3 * time.Second,
		StallAfter:        30 * time.Second,
		Policy:            protocol.RouteDirectToNew,
	}
}

type Controller struct {
	cfg   Config
	store *Store
	peers NodeControl
	fence protocol.Fence

	mu         sync.Mutex
	nodes      map[string]protocol.NodeInfo
	ring       *ring.Ring
	migrations map[string]*protocol.Migration
	progress   map[string]*taskProgress
	version    uint64
	latest     *protocol.Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	logger zerolog.Logger
}

func New(cfg Config, store *Store, peers NodeControl, logger zerolog.Logger) (*Controller, error) {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = def.Slots
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = def.QuietWindow
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = def.StallAfter
	}

	persisted, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load controller state: %w", err)
	}
	rg, err := ring.FromVirtualNodes(persisted.VirtualNodes)
	if err != nil {
		return nil, fmt.Errorf("persisted ring is inconsistent: %w", err)
	}

	incarnation, err := store.BumpIncarnation()
	if err != nil {
		return nil, fmt.Errorf("failed to bump incarnation: %w", err)
	}

	c := &Controller{
		cfg:        cfg,
		store:      store,
		peers:      peers,
		fence:      protocol.Fence{ControllerID: cfg.ID, Incarnation: incarnation},
		nodes:      persisted.Nodes,
		ring:       rg,
		migrations: persisted.Migrations,
		progress:   make(map[string]*taskProgress),
		version:    persisted.Version,
		logger:     logger.With().Str("layer", "controller").Str("controller_id", cfg.ID).Logger(),
	}

	now := time.Now()
	for id := range c.migrations {
		c.progress[id] = newTaskProgress(now)
	}
	c.latest = c.buildSnapshotLocked()

	c.logger.Info().
		Uint64("incarnation", incarnation).
		Int("nodes", len(c.nodes)).
		Int("migrations", len(c.migrations)).
		Msg("controller started")
	return c, nil
}

func (c *Controller) Fence() protocol.Fence {
	return c.fence
}

// Start runs the reconcile loop until Stop.
func (c *Controller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Reconcile(ctx)
			}
		}
	}()
}

func (c *Controller) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
}

// Join registers a new physical node and creates one migration task per
// virtual node it will own. The first node bootstraps the ring directly:
// there is nothing to move.
func (c *Controller) Join(ctx context.Context, req *protocol.JoinRequest) error {
	if req.Node.ID == "" || req.Node.Address == "" {
		return fmt.Errorf("controller: join needs a node id and address")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[req.Node.ID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, req.Node.ID)
	}
	if len(c.migrations) > 0 {
		return ErrChangeInProgress
	}

	slots := req.Slots
	if slots <= 0 {
		slots = c.cfg.Slots
	}

	if err := c.store.SaveNode(req.Node); err != nil {
		return fmt.Errorf("failed to persist node: %w", err)
	}
	c.nodes[req.Node.ID] = req.Node

	if c.ring.Len() == 0 {
		return c.bootstrapLocked(ctx, req.Node, slots)
	}

	// Carve ranges against a working copy so multiple new virtual nodes
	// landing in the same arc split it instead of claiming it twice. The
	// data still lives at the committed ring's owner, so Old comes from
	// there.
	working := c.ring.Clone()
	created := 0
	for slot := 0; created < slots; slot++ {
		pos := ring.Position(ring.NodeID(req.Node.ID), slot)
		rng := working.RangeFor(pos)
		vn, err := working.AddVirtualNode(ring.NodeID(req.Node.ID), slot)
		if errors.Is(err, ring.ErrDuplicatePosition) {
			continue
		}
		if err != nil {
			return err
		}
		created++

		owner, err := c.ring.Owner(pos)
		if err != nil {
			return err
		}
		old, ok := c.nodes[string(owner.Node)]
		if !ok {
			return fmt.Errorf("%w: ring owner %s", ErrUnknownNode, owner.Node)
		}

		m := &protocol.Migration{
			TaskID:      uuid.NewString(),
			Kind:        protocol.MigrationJoin,
			VirtualNode: vn,
			Range:       rng,
			State:       protocol.MigrationNotStarted,
			Policy:      c.cfg.Policy,
			Old:         old,
			New:         req.Node,
		}
		if err := c.store.SaveMigration(m); err != nil {
			return fmt.Errorf("failed to persist migration: %w", err)
		}
		c.migrations[m.TaskID] = m
		c.progress[m.TaskID] = newTaskProgress(time.Now())
	}

	c.logger.Info().
		Str("node_id", req.Node.ID).
		Int("tasks", created).
		Msg("node joining, migrations created")
	c.publishLocked(ctx)
	return nil
}

func (c *Controller) bootstrapLocked(ctx context.Context, node protocol.NodeInfo, slots int) error {
	created := 0
	for slot := 0; created < slots; slot++ {
		vn, err := c.ring.AddVirtualNode(ring.NodeID(node.ID), slot)
		if errors.Is(err, ring.ErrDuplicatePosition) {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.store.SaveVirtualNode(vn); err != nil {
			return fmt.Errorf("failed to persist virtual node: %w", err)
		}
		created++
	}

	c.logger.Info().Str("node_id", node.ID).Int("slots", created).Msg("bootstrapped ring")
	c.publishLocked(ctx)
	return nil
}

// Leave drains every virtual node of a physical node to its successor and
// retires the node once the last range has moved.
func (c *Controller) Leave(ctx context.Context, req *protocol.LeaveRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	leaving, ok := c.nodes[req.NodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, req.NodeID)
	}
	if len(c.migrations) > 0 {
		return ErrChangeInProgress
	}
	if len(c.ring.Nodes()) < 2 {
		return ErrLastNode
	}

	reduced := c.ring.Clone()
	for _, vn := range c.ring.VirtualNodesOf(ring.NodeID(req.NodeID)) {
		if err := reduced.RemoveVirtualNode(vn.Position); err != nil {
			return err
		}
	}

	for _, vn := range c.ring.VirtualNodesOf(ring.NodeID(req.NodeID)) {
		rng, err := c.ring.RangeOf(vn.Position)
		if err != nil {
			return err
		}
		successor, err := reduced.Owner(vn.Position)
		if err != nil {
			return err
		}
		next, ok := c.nodes[string(successor.Node)]
		if !ok {
			return fmt.Errorf("%w: successor %s", ErrUnknownNode, successor.Node)
		}

		m := &protocol.Migration{
			TaskID:      uuid.NewString(),
			Kind:        protocol.MigrationLeave,
			VirtualNode: vn,
			Range:       rng,
			State:       protocol.MigrationNotStarted,
			Policy:      c.cfg.Policy,
			Old:         leaving,
			New:         next,
		}
		if err := c.store.SaveMigration(m); err != nil {
			return fmt.Errorf("failed to persist migration: %w", err)
		}
		c.migrations[m.TaskID] = m
		c.progress[m.TaskID] = newTaskProgress(time.Now())
	}

	c.logger.Info().
		Str("node_id", req.NodeID).
		Int("tasks", len(c.ring.VirtualNodesOf(ring.NodeID(req.NodeID)))).
		Msg("node leaving, migrations created")
	c.publishLocked(ctx)
	return nil
}

// Abort supersedes a task. The task is never rolled back: both sides drop
// it, the destination keeps whatever it already merged, and the operator
// starts a fresh attempt.
func (c *Controller) Abort(ctx context.Context, req *protocol.AbortMigrationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.migrations[req.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, req.TaskID)
	}
	if m.State == protocol.MigrationComplete {
		return fmt.Errorf("%w: %s", ErrTaskComplete, req.TaskID)
	}

	advance := &protocol.AdvanceStateRequest{
		Fence:  c.fence,
		TaskID: m.TaskID,
		State:  protocol.MigrationSuperseded,
		Policy: m.Policy,
	}
	// Best effort: an unreachable side learns the task is gone when its
	// next command carries an unknown task id.
	if err := c.peers.AdvanceState(ctx, m.Old, advance); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to supersede task on source")
	}
	if err := c.peers.AdvanceState(ctx, m.New, advance); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to supersede task on destination")
	}

	c.dropTaskLocked(m)
	c.logger.Info().Str("task_id", m.TaskID).Msg("migration superseded")
	c.publishLocked(ctx)
	return nil
}

// dropTaskLocked removes a task from tracking. A joining node whose last
// task was superseded before any range committed is forgotten entirely so
// the join can be retried from scratch.
func (c *Controller) dropTaskLocked(m *protocol.Migration) {
	if err := c.store.DeleteMigration(m.TaskID); err != nil {
		c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to delete migration record")
	}
	delete(c.migrations, m.TaskID)
	delete(c.progress, m.TaskID)

	if m.Kind != protocol.MigrationJoin {
		return
	}
	for _, other := range c.migrations {
		if other.New.ID == m.New.ID || other.Old.ID == m.New.ID {
			return
		}
	}
	if len(c.ring.VirtualNodesOf(ring.NodeID(m.New.ID))) > 0 {
		return
	}
	if err := c.store.DeleteNode(m.New.ID); err != nil {
		c.logger.Error().Err(err).Str("node_id", m.New.ID).Msg("failed to delete node record")
	}
	delete(c.nodes, m.New.ID)
}

// Status reports the current snapshot plus the ids of stalled tasks.
func (c *Controller) Status() *protocol.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var stalled []string
	for id, p := range c.progress {
		if p.stalled(now, c.cfg.StallAfter) {
			stalled = append(stalled, id)
		}
	}
	sort.Strings(stalled)

	return &protocol.StatusResponse{Snapshot: *c.latest, Stalled: stalled}
}

// CurrentSnapshot serves client pulls: nil when haveVersion is current.
func (c *Controller) CurrentSnapshot(haveVersion uint64) *protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil || c.latest.Version <= haveVersion {
		return nil
	}
	return c.latest
}

// Reconcile runs one pass of the migration state machine. Exported so the
// serving layer can trigger a pass eagerly after Join or Leave.
func (c *Controller) Reconcile(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	changed := false

	for _, id := range c.taskIDsLocked() {
		m := c.migrations[id]
		p := c.progress[id]

		switch m.State {
		case protocol.MigrationNotStarted:
			if c.startTaskLocked(ctx, m) {
				m.State = protocol.MigrationReplicating
				c.persistTaskLocked(m)
				p.advanced(now)
				changed = true
			}
		case protocol.MigrationReplicating:
			st, ok := c.pollSourceLocked(ctx, m)
			if !ok {
				break
			}
			p.observeCopied(now, st.CopiedKeys)
			if st.CopyDone && c.advanceBothLocked(ctx, m, protocol.MigrationProxying) {
				m.State = protocol.MigrationProxying
				c.persistTaskLocked(m)
				p.advanced(now)
				p.quietSince = now
				p.lastBounces = st.Bounces
				changed = true
			}
		case protocol.MigrationProxying:
			st, ok := c.pollSourceLocked(ctx, m)
			if !ok {
				break
			}
			p.observeBounces(now, st.Bounces)
			if p.quietFor(now) >= c.cfg.QuietWindow && c.completeTaskLocked(ctx, m) {
				changed = true
			}
		}

		if p, ok := c.progress[id]; ok && p.stalled(now, c.cfg.StallAfter) && !p.stalledLogged {
			p.stalledLogged = true
			c.logger.Warn().
				Str("task_id", id).
				Str("state", m.State.String()).
				Dur("since_progress", now.Sub(p.lastProgress)).
				Msg("migration stalled")
		}
	}

	if changed {
		c.publishLocked(ctx)
	}
}

func (c *Controller) taskIDsLocked() []string {
	ids := make([]string, 0, len(c.migrations))
	for id := range c.migrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// startTaskLocked delivers the Begin commands to both sides. Re-issued
// every tick until both succeed.
func (c *Controller) startTaskLocked(ctx context.Context, m *protocol.Migration) bool {
	if err := c.peers.BeginMigrationDestination(ctx, m.New, &protocol.BeginDestinationRequest{Fence: c.fence, Task: *m}); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to start migration destination")
		return false
	}
	if err := c.peers.BeginMigrationSource(ctx, m.Old, &protocol.BeginSourceRequest{Fence: c.fence, Task: *m}); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to start migration source")
		return false
	}
	return true
}

// pollSourceLocked fetches copy progress from the old owner. On failure the
// Begin commands are re-issued, which recovers a restarted node that lost
// its in-memory task.
func (c *Controller) pollSourceLocked(ctx context.Context, m *protocol.Migration) (*protocol.MigrationStatusResponse, bool) {
	st, err := c.peers.MigrationStatus(ctx, m.Old, &protocol.MigrationStatusRequest{TaskID: m.TaskID})
	if err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("migration status poll failed, re-issuing begin")
		if c.startTaskLocked(ctx, m) && m.State == protocol.MigrationProxying {
			c.advanceBothLocked(ctx, m, protocol.MigrationProxying)
		}
		return nil, false
	}
	return st, true
}

func (c *Controller) advanceBothLocked(ctx context.Context, m *protocol.Migration, state protocol.MigrationState) bool {
	req := &protocol.AdvanceStateRequest{Fence: c.fence, TaskID: m.TaskID, State: state, Policy: m.Policy}
	if err := c.peers.AdvanceState(ctx, m.New, req); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Str("state", state.String()).Msg("failed to advance destination")
		return false
	}
	if err := c.peers.AdvanceState(ctx, m.Old, req); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Str("state", state.String()).Msg("failed to advance source")
		return false
	}
	return true
}

// completeTaskLocked commits the handover: the destination is told first so
// it owns the range before the source drops its copy, then the ring change
// is committed and the task retired.
func (c *Controller) completeTaskLocked(ctx context.Context, m *protocol.Migration) bool {
	req := &protocol.AdvanceStateRequest{Fence: c.fence, TaskID: m.TaskID, State: protocol.MigrationComplete, Policy: m.Policy}
	if err := c.peers.AdvanceState(ctx, m.New, req); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to complete destination")
		return false
	}
	if err := c.peers.AdvanceState(ctx, m.Old, req); err != nil {
		c.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("failed to complete source")
		return false
	}

	switch m.Kind {
	case protocol.MigrationJoin:
		if _, err := c.ring.AddVirtualNode(m.VirtualNode.Node, m.VirtualNode.Slot); err != nil {
			c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to commit virtual node")
			return false
		}
		if err := c.store.SaveVirtualNode(m.VirtualNode); err != nil {
			c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to persist virtual node")
		}
	case protocol.MigrationLeave:
		if err := c.ring.RemoveVirtualNode(m.VirtualNode.Position); err != nil {
			c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to remove virtual node")
			return false
		}
		if err := c.store.DeleteVirtualNode(m.VirtualNode.Position); err != nil {
			c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to delete virtual node record")
		}
	}

	if err := c.store.DeleteMigration(m.TaskID); err != nil {
		c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to delete migration record")
	}
	delete(c.migrations, m.TaskID)
	delete(c.progress, m.TaskID)
	c.logger.Info().Str("task_id", m.TaskID).Msg("migration complete")

	c.retireDrainedLocked(m)
	return true
}

// retireDrainedLocked forgets a leaving node once its last range has moved.
func (c *Controller) retireDrainedLocked(m *protocol.Migration) {
	if m.Kind != protocol.MigrationLeave {
		return
	}
	if len(c.ring.VirtualNodesOf(ring.NodeID(m.Old.ID))) > 0 {
		return
	}
	for _, other := range c.migrations {
		if other.Old.ID == m.Old.ID || other.New.ID == m.Old.ID {
			return
		}
	}
	if err := c.store.DeleteNode(m.Old.ID); err != nil {
		c.logger.Error().Err(err).Str("node_id", m.Old.ID).Msg("failed to delete node record")
	}
	delete(c.nodes, m.Old.ID)
	c.logger.Info().Str("node_id", m.Old.ID).Msg("node drained and retired")
}

func (c *Controller) persistTaskLocked(m *protocol.Migration) {
	if err := c.store.SaveMigration(m); err != nil {
		c.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to persist migration state")
	}
}

// publishLocked builds the next snapshot version and pushes it to every
// node. A node that misses the push catches up on the next publish or
// bounces stale traffic in the meantime.
func (c *Controller) publishLocked(ctx context.Context) {
	c.version++
	if err := c.store.SaveVersion(c.version); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist snapshot version")
	}
	c.latest = c.buildSnapshotLocked()

	for _, info := range c.nodes {
		req := &protocol.UpdateSnapshotRequest{Fence: c.fence, Snapshot: *c.latest}
		if err := c.peers.PushSnapshot(ctx, info, req); err != nil {
			c.logger.Warn().
				Err(err).
				Str("node_id", info.ID).
				Uint64("version", c.latest.Version).
				Msg("snapshot push failed")
		}
	}
	c.logger.Debug().Uint64("version", c.latest.Version).Msg("snapshot published")
}

func (c *Controller) buildSnapshotLocked() *protocol.Snapshot {
	snap := &protocol.Snapshot{
		Version:      c.version,
		Nodes:        make(map[string]protocol.NodeInfo, len(c.nodes)),
		VirtualNodes: c.ring.VirtualNodes(),
	}
	for id, info := range c.nodes {
		snap.Nodes[id] = info
	}
	if len(c.migrations) > 0 {
		snap.Migrations = make(map[string]*protocol.Migration, len(c.migrations))
		for id, m := range c.migrations {
			cp := *m
			snap.Migrations[id] = &cp
		}
	}
	return snap
}

func (c *Controller) Close() error {
	c.Stop()
	return c.store.Close()
}
