// Package protocol defines the messages exchanged between clients, nodes
// and the controller. All node-to-node writes are merges, so every message
// in here is safe to re-deliver.
package protocol

import (
	"github.com/driftlab/ringkv/internal/ring"
)

// NodeInfo identifies a reachable node.
type NodeInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// GetRequest reads a single scoped key.
type GetRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
}

type GetResponse struct {
	Found    bool      `json:"found"`
	Value    []byte    `json:"value,omitempty"`
	Error    string    `json:"error,omitempty"`
	Redirect *NodeInfo `json:"redirect,omitempty"`
}

// PutRequest merges a value into a scoped key. The response echoes the
// post-merge value.
type PutRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type PutResponse struct {
	Merged   []byte    `json:"merged,omitempty"`
	Error    string    `json:"error,omitempty"`
	Redirect *NodeInfo `json:"redirect,omitempty"`
}

// MergeWriteRequest is the node-to-node write used by secondary replication
// and by migration forwarding. Idempotent.
type MergeWriteRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type MergeWriteResponse struct {
	Error string `json:"error,omitempty"`
}

// Entry is one scoped key/value pair in a bulk copy batch.
type Entry struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// BulkCopyRequest carries one batch of a migration's background range copy.
// The destination applies every entry as a merge, so duplicate batches are
// harmless.
type BulkCopyRequest struct {
	TaskID  string  `json:"task_id"`
	Entries []Entry `json:"entries"`
}

type BulkCopyResponse struct {
	Error string `json:"error,omitempty"`
}

// Fence identifies a controller incarnation. Nodes persist the highest
// incarnation seen and reject commands carrying a lower one, so a
// superseded controller cannot drive a migration it no longer owns.
type Fence struct {
	ControllerID string `json:"controller_id"`
	Incarnation  uint64 `json:"incarnation"`
}

// BeginSourceRequest tells the current owner of a range to start the
// background copy and to dual-write forwards to the destination.
type BeginSourceRequest struct {
	Fence Fence     `json:"fence"`
	Task  Migration `json:"task"`
}

// BeginDestinationRequest tells the incoming owner to accept bulk batches
// and forwarded writes for the range.
type BeginDestinationRequest struct {
	Fence Fence     `json:"fence"`
	Task  Migration `json:"task"`
}

// AdvanceStateRequest moves a migration task to the given state on a node.
// Duplicate or stale deliveries are ignored; regressions are rejected.
type AdvanceStateRequest struct {
	Fence  Fence          `json:"fence"`
	TaskID string         `json:"task_id"`
	State  MigrationState `json:"state"`
	Policy RoutePolicy    `json:"policy"`
}

type CommandResponse struct {
	Error string `json:"error,omitempty"`
}

// MigrationStatusRequest polls a node's view of a migration task.
type MigrationStatusRequest struct {
	TaskID string `json:"task_id"`
}

type MigrationStatusResponse struct {
	TaskID     string `json:"task_id"`
	CopyDone   bool   `json:"copy_done"`
	CopiedKeys int64  `json:"copied_keys"`
	// Bounces counts requests for the migrating range that still reached
	// the old owner; the controller requires a quiet window before
	// completing.
	Bounces uint64 `json:"bounces"`
	Error   string `json:"error,omitempty"`
}

// Snapshot is the versioned, immutable routing view the controller
// distributes. Consumers swap their current snapshot atomically and never
// mutate one in place.
type Snapshot struct {
	Version      uint64                `json:"version"`
	Nodes        map[string]NodeInfo   `json:"nodes"`
	VirtualNodes []ring.VirtualNode    `json:"virtual_nodes"`
	Migrations   map[string]*Migration `json:"migrations,omitempty"`
}

// SnapshotRequest pulls the current snapshot if newer than HaveVersion.
type SnapshotRequest struct {
	HaveVersion uint64 `json:"have_version"`
}

type SnapshotResponse struct {
	// Snapshot is nil when HaveVersion is already current.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// UpdateSnapshotRequest is the controller's push of a new snapshot to a
// node.
type UpdateSnapshotRequest struct {
	Fence    Fence    `json:"fence"`
	Snapshot Snapshot `json:"snapshot"`
}

// JoinRequest registers a new physical node and starts migrating its share
// of the key space to it.
type JoinRequest struct {
	Node  NodeInfo `json:"node"`
	Slots int      `json:"slots,omitempty"`
}

// LeaveRequest drains a physical node's ranges back to the remaining nodes
// and then retires it.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// AbortMigrationRequest retires a stalled task so the operator can start a
// fresh attempt. Task state is never reverted; the task is superseded.
type AbortMigrationRequest struct {
	TaskID string `json:"task_id"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Snapshot Snapshot `json:"snapshot"`
	Stalled  []string `json:"stalled,omitempty"`
	Error    string   `json:"error,omitempty"`
}
