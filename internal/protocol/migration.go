package protocol

import (
	"errors"
	"fmt"

	"github.com/driftlab/ringkv/internal/ring"
)

// MigrationState is the lifecycle of one virtual node being introduced (or
// drained). Transitions are strictly forward; a migration that must be
// given up on is superseded by a fresh task, never rolled back.
type MigrationState uint8

const (
	MigrationNotStarted MigrationState = iota
	MigrationReplicating
	MigrationProxying
	MigrationComplete
	// MigrationSuperseded is terminal: the task was abandoned in favor of a
	// fresh attempt. It is reachable from any non-Complete state and does
	// not count as going backward.
	MigrationSuperseded
)

func (s MigrationState) String() string {
	switch s {
	case MigrationNotStarted:
		return "not_started"
	case MigrationReplicating:
		return "replicating"
	case MigrationProxying:
		return "proxying"
	case MigrationComplete:
		return "complete"
	case MigrationSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var ErrStateRegression = errors.New("protocol: migration state cannot go backward")

// CanAdvance reports whether moving from one state to another is a legal
// forward transition. Equal states are allowed so duplicate command
// delivery is a no-op.
func (s MigrationState) CanAdvance(to MigrationState) bool {
	if to == s {
		return true
	}
	if to == MigrationSuperseded {
		return s != MigrationComplete
	}
	switch s {
	case MigrationNotStarted:
		return to == MigrationReplicating
	case MigrationReplicating:
		return to == MigrationProxying
	case MigrationProxying:
		return to == MigrationComplete
	default:
		return false
	}
}

// Advance applies a transition, rejecting regressions and skips.
func (s MigrationState) Advance(to MigrationState) (MigrationState, error) {
	if !s.CanAdvance(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrStateRegression, s, to)
	}
	return to, nil
}

// RoutePolicy tells routers how to reach a range while its migration is in
// the Proxying state: either keep addressing the old owner, which forwards
// internally, or go straight to the new owner.
type RoutePolicy uint8

const (
	RouteProxyThroughOld RoutePolicy = iota
	RouteDirectToNew
)

func (p RoutePolicy) String() string {
	switch p {
	case RouteProxyThroughOld:
		return "proxy_through_old"
	case RouteDirectToNew:
		return "direct_to_new"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// MigrationKind distinguishes a range moving to an incoming virtual node
// from a range draining off a leaving one. Both use the same state machine.
type MigrationKind uint8

const (
	// MigrationJoin introduces VirtualNode to the ring on Complete.
	MigrationJoin MigrationKind = iota
	// MigrationLeave removes VirtualNode from the ring on Complete.
	MigrationLeave
)

// Migration is one ring-range handover between two physical nodes.
type Migration struct {
	TaskID string        `json:"task_id"`
	Kind   MigrationKind `json:"kind"`
	// VirtualNode is the entry being introduced (join) or drained (leave).
	VirtualNode ring.VirtualNode `json:"virtual_node"`
	// Range is the slice of the key space changing hands.
	Range  ring.Range     `json:"range"`
	State  MigrationState `json:"state"`
	Policy RoutePolicy    `json:"policy"`
	Old    NodeInfo       `json:"old"`
	New    NodeInfo       `json:"new"`
}
