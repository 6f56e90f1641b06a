// Package crdt defines the merge contract stored values must satisfy and
// ships the built-in mergeable types.
//
// A value type qualifies by exposing a Merge operation that is idempotent,
// associative and commutative over all reachable values. The contract is not
// enforced at runtime; violating it silently breaks replica convergence, so
// every concrete type is expected to hold up under the property tests in
// this package.
package crdt

// Mergeable is the contract for conflict-free values. Merge must be
// idempotent (a.Merge(a) == a), commutative (a.Merge(b) == b.Merge(a)) and
// associative (a.Merge(b).Merge(c) == a.Merge(b.Merge(c))).
//
// Merge returns the combined value. Implementations may reuse the receiver's
// backing storage; callers must treat both inputs as consumed.
type Mergeable[T any] interface {
	Merge(other T) T
}
