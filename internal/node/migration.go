package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/storage"
)

type taskRole uint8

const (
	roleSource taskRole = iota
	roleDestination
)

// migrationTask is this node's side of one range handover.
type migrationTask struct {
	m    protocol.Migration
	role taskRole

	// state is guarded by Node.mu.
	state protocol.MigrationState

	copied   atomic.Int64
	copyDone atomic.Bool
	bounces  atomic.Uint64

	cancel context.CancelFunc
}

func cursorMetaKey(taskID string) string {
	return "migration/cursor/" + taskID
}

func copyDoneMetaKey(taskID string) string {
	return "migration/done/" + taskID
}

// BeginMigrationSource starts the background range copy to the destination
// and enables dual-write forwarding. Idempotent: re-delivery for a known
// task is a no-op.
func (n *Node) BeginMigrationSource(req *protocol.BeginSourceRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFenceLocked(req.Fence); err != nil {
		return err
	}
	if _, ok := n.tasks[req.Task.TaskID]; ok {
		return nil
	}

	task := &migrationTask{
		m:     req.Task,
		role:  roleSource,
		state: protocol.MigrationReplicating,
	}

	// A restarted source resumes from its persisted cursor instead of
	// recopying the range.
	if _, err := n.store.GetMeta(copyDoneMetaKey(req.Task.TaskID)); err == nil {
		task.copyDone.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task.cancel = cancel
	n.tasks[req.Task.TaskID] = task

	if !task.copyDone.Load() {
		go n.runCopy(ctx, task)
	}

	n.logger.Info().
		Str("task_id", req.Task.TaskID).
		Str("destination", req.Task.New.ID).
		Msg("migration source started")
	return nil
}

// BeginMigrationDestination registers the incoming range. Bulk batches and
// forwarded writes are plain merges, so the registration only exists for
// status reporting and state tracking.
func (n *Node) BeginMigrationDestination(req *protocol.BeginDestinationRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFenceLocked(req.Fence); err != nil {
		return err
	}
	if _, ok := n.tasks[req.Task.TaskID]; ok {
		return nil
	}

	n.tasks[req.Task.TaskID] = &migrationTask{
		m:     req.Task,
		role:  roleDestination,
		state: protocol.MigrationReplicating,
	}

	n.logger.Info().
		Str("task_id", req.Task.TaskID).
		Str("source", req.Task.Old.ID).
		Msg("migration destination started")
	return nil
}

// runCopy streams the migrating range to the destination in batches,
// persisting the cursor after each acknowledged batch so a restart
// resumes instead of recopying. Delivery failures are retried until the
// task is cancelled; the copy never advances past an unacknowledged batch.
func (n *Node) runCopy(ctx context.Context, task *migrationTask) {
	logger := n.logger.With().Str("task_id", task.m.TaskID).Logger()

	var cursor []byte
	if data, err := n.store.GetMeta(cursorMetaKey(task.m.TaskID)); err == nil {
		cursor = data
	}

	for {
		entries, next, done, err := n.store.ScanRange(task.m.Range, cursor, n.cfg.CopyBatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("range scan failed, aborting copy")
			return
		}

		if len(entries) > 0 {
			req := &protocol.BulkCopyRequest{TaskID: task.m.TaskID, Entries: entries}
			if err := n.sendBatch(ctx, task.m.New, req); err != nil {
				return // cancelled
			}
			task.copied.Add(int64(len(entries)))

			if err := n.store.SetMeta(cursorMetaKey(task.m.TaskID), next); err != nil {
				logger.Error().Err(err).Msg("failed to persist copy cursor")
				return
			}
			cursor = next
		}

		if done {
			if err := n.store.SetMeta(copyDoneMetaKey(task.m.TaskID), []byte{1}); err != nil {
				logger.Error().Err(err).Msg("failed to persist copy completion")
				return
			}
			task.copyDone.Store(true)
			logger.Info().Int64("copied_keys", task.copied.Load()).Msg("bulk copy complete")
			return
		}
	}
}

// sendBatch retries one batch until it is acknowledged or the task is
// cancelled. The controller owns giving up; the source never abandons a
// migration on its own.
func (n *Node) sendBatch(ctx context.Context, target protocol.NodeInfo, req *protocol.BulkCopyRequest) error {
	backoff := 50 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		err := n.peers.BulkCopy(ctx, target, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n.logger.Warn().
			Err(err).
			Str("task_id", req.TaskID).
			Str("destination", target.ID).
			Dur("backoff", backoff).
			Msg("bulk copy batch failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// AdvanceState applies a controller transition to a task. Duplicate
// delivery is a no-op; regressions are rejected.
func (n *Node) AdvanceState(req *protocol.AdvanceStateRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFenceLocked(req.Fence); err != nil {
		return err
	}

	task, ok := n.tasks[req.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, req.TaskID)
	}

	next, err := task.state.Advance(req.State)
	if err != nil {
		return err
	}
	if next == task.state {
		task.m.Policy = req.Policy
		return nil
	}

	task.state = next
	task.m.State = next
	task.m.Policy = req.Policy

	switch next {
	case protocol.MigrationComplete:
		n.finishTaskLocked(task)
	case protocol.MigrationSuperseded:
		if task.cancel != nil {
			task.cancel()
		}
		n.cleanupTaskMeta(task.m.TaskID)
		delete(n.tasks, req.TaskID)
		n.logger.Info().Str("task_id", req.TaskID).Msg("migration superseded")
	}
	return nil
}

// finishTaskLocked retires a completed task. A source drops its copy of the
// handed-over range; a destination simply starts answering as the owner,
// which its routing snapshot already reflects.
func (n *Node) finishTaskLocked(task *migrationTask) {
	if task.cancel != nil {
		task.cancel()
	}

	if task.role == roleSource {
		deleted, err := n.store.DeleteRange(task.m.Range)
		if err != nil {
			n.logger.Error().Err(err).Str("task_id", task.m.TaskID).Msg("failed to drop migrated range")
		} else {
			n.logger.Info().
				Str("task_id", task.m.TaskID).
				Int("deleted_keys", deleted).
				Msg("migration complete, range dropped")
		}
	}

	// The done marker survives so late controller polls still see the task
	// as finished; only the cursor is dropped.
	if err := n.store.DeleteMeta(cursorMetaKey(task.m.TaskID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn().Err(err).Str("task_id", task.m.TaskID).Msg("failed to delete copy cursor")
	}
	delete(n.tasks, task.m.TaskID)
}

func (n *Node) cleanupTaskMeta(taskID string) {
	if err := n.store.DeleteMeta(cursorMetaKey(taskID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to delete copy cursor")
	}
	if err := n.store.DeleteMeta(copyDoneMetaKey(taskID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to delete copy marker")
	}
}

// MigrationStatus reports a task's copy progress and bounce count for the
// controller's reconcile loop.
func (n *Node) MigrationStatus(taskID string) (*protocol.MigrationStatusResponse, error) {
	n.mu.Lock()
	task, ok := n.tasks[taskID]
	n.mu.Unlock()

	if !ok {
		// Completed and retired tasks report done so a lagging controller
		// poll does not wedge.
		if _, err := n.store.GetMeta(copyDoneMetaKey(taskID)); err == nil {
			return &protocol.MigrationStatusResponse{TaskID: taskID, CopyDone: true}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	return &protocol.MigrationStatusResponse{
		TaskID:     taskID,
		CopyDone:   task.copyDone.Load(),
		CopiedKeys: task.copied.Load(),
		Bounces:    task.bounces.Load(),
	}, nil
}
