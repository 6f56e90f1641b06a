package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Each scope binds exactly one CRDT type. Storage and transport only ever
// see encoded bytes; the scope registry is the single place that knows how
// to decode, merge and re-encode them.

var (
	ErrScopeNotBound = errors.New("crdt: scope not bound")
	ErrScopeRebound  = errors.New("crdt: scope already bound to a different type")
)

// Codec merges two encoded values of a scope's bound type.
type Codec interface {
	// Merge decodes both inputs, merges them and encodes the result.
	Merge(a, b []byte) ([]byte, error)
	// Validate reports whether data decodes as the bound type.
	Validate(data []byte) error
}

type codec[T Mergeable[T]] struct{}

func (codec[T]) Merge(a, b []byte) ([]byte, error) {
	var av, bv T
	if err := json.Unmarshal(a, &av); err != nil {
		return nil, fmt.Errorf("decode left value: %w", err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return nil, fmt.Errorf("decode right value: %w", err)
	}
	merged, err := json.Marshal(av.Merge(bv))
	if err != nil {
		return nil, fmt.Errorf("encode merged value: %w", err)
	}
	return merged, nil
}

func (codec[T]) Validate(data []byte) error {
	var v T
	return json.Unmarshal(data, &v)
}

type Registry struct {
	mu     sync.RWMutex
	scopes map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string]Codec)}
}

func (r *Registry) bind(scope string, c Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.scopes[scope]; ok {
		if existing != c {
			return fmt.Errorf("%w: %s", ErrScopeRebound, scope)
		}
		return nil
	}
	r.scopes[scope] = c
	return nil
}

func (r *Registry) lookup(scope string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotBound, scope)
	}
	return c, nil
}

// Bound reports whether the scope has a type bound.
func (r *Registry) Bound(scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.scopes[scope]
	return ok
}

// Merge merges two encoded values in the given scope.
func (r *Registry) Merge(scope string, a, b []byte) ([]byte, error) {
	c, err := r.lookup(scope)
	if err != nil {
		return nil, err
	}
	return c.Merge(a, b)
}

// Validate checks that data decodes as the scope's bound type.
func (r *Registry) Validate(scope string, data []byte) error {
	c, err := r.lookup(scope)
	if err != nil {
		return err
	}
	return c.Validate(data)
}

// Scopes returns the names of all bound scopes.
func (r *Registry) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scopes))
	for name := range r.scopes {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry is the process-wide registry. Bindings are type-level
// configuration, so every node, client and test in a process shares it.
var DefaultRegistry = NewRegistry()

// Bind binds scope to the CRDT type T in the default registry. Binding must
// happen before the first read or write in the scope; rebinding a scope to
// a different type is an error.
func Bind[T Mergeable[T]](scope string) error {
	return DefaultRegistry.bind(scope, codec[T]{})
}

// BindIn is Bind against an explicit registry.
func BindIn[T Mergeable[T]](r *Registry, scope string) error {
	return r.bind(scope, codec[T]{})
}

// Encode marshals a CRDT value for storage or transport.
func Encode[T Mergeable[T]](v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a stored CRDT value.
func Decode[T Mergeable[T]](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
