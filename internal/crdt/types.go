package crdt

import (
	"cmp"
	"encoding/json"
)

// Set is a grow-only set merged by union. This is the reference CRDT for
// simple membership data.
type Set[T comparable] map[T]struct{}

func NewSet[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set[T]) Contains(item T) bool {
	_, ok := s[item]
	return ok
}

func (s Set[T]) Merge(other Set[T]) Set[T] {
	if s == nil {
		return other
	}
	for item := range other {
		s[item] = struct{}{}
	}
	return s
}

// Sets serialize as arrays; element order is unspecified.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	items := make([]T, 0, len(s))
	for item := range s {
		items = append(items, item)
	}
	return json.Marshal(items)
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// Max merges by keeping the larger value.
type Max[T cmp.Ordered] struct {
	Value T `json:"value"`
}

func (m Max[T]) Merge(other Max[T]) Max[T] {
	if other.Value > m.Value {
		return other
	}
	return m
}

// Min merges by keeping the smaller value.
type Min[T cmp.Ordered] struct {
	Value T `json:"value"`
}

func (m Min[T]) Merge(other Min[T]) Min[T] {
	if other.Value < m.Value {
		return other
	}
	return m
}

// Versioned pairs a value with a version counter. The larger version wins
// outright; equal versions merge the inner values.
type Versioned[T Mergeable[T]] struct {
	Version uint64 `json:"version"`
	Value   T      `json:"value"`
}

func (v Versioned[T]) Merge(other Versioned[T]) Versioned[T] {
	switch {
	case v.Version < other.Version:
		return other
	case v.Version > other.Version:
		return v
	default:
		v.Value = v.Value.Merge(other.Value)
		return v
	}
}

// Map merges by unioning keys and merging values present on both sides.
type Map[K ~string, T Mergeable[T]] map[K]T

func (m Map[K, T]) Merge(other Map[K, T]) Map[K, T] {
	if m == nil {
		return other
	}
	for key, that := range other {
		if this, ok := m[key]; ok {
			m[key] = this.Merge(that)
		} else {
			m[key] = that
		}
	}
	return m
}

// GCounter is a grow-only counter: one monotonic slot per writer, merged by
// per-slot max. Total returns the summed count.
type GCounter map[string]uint64

func (c GCounter) Add(writer string, n uint64) GCounter {
	if c == nil {
		c = make(GCounter)
	}
	c[writer] += n
	return c
}

func (c GCounter) Total() uint64 {
	var total uint64
	for _, n := range c {
		total += n
	}
	return total
}

func (c GCounter) Merge(other GCounter) GCounter {
	if c == nil {
		return other
	}
	for writer, n := range other {
		if n > c[writer] {
			c[writer] = n
		}
	}
	return c
}

// Tombstone wraps a value with a deletion marker that merge absorbs: once
// any replica has seen the delete, the merged result stays deleted. This is
// the only deletion path; the store never destructively removes a live key.
type Tombstone[T Mergeable[T]] struct {
	Deleted bool `json:"deleted"`
	Value   T    `json:"value"`
}

func Deleted[T Mergeable[T]]() Tombstone[T] {
	return Tombstone[T]{Deleted: true}
}

func (t Tombstone[T]) Merge(other Tombstone[T]) Tombstone[T] {
	if t.Deleted || other.Deleted {
		var zero T
		return Tombstone[T]{Deleted: true, Value: zero}
	}
	t.Value = t.Value.Merge(other.Value)
	return t
}
