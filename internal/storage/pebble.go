// Package storage is the durable per-node backing store. Keys are laid out
// as 'd' || ring position (8 bytes big-endian) || scope || 0x00 || key, so a
// migration source can stream a ring range with at most two iterator scans
// instead of filtering the whole keyspace. Scope names must not contain NUL.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/ring"
)

var ErrNotFound = errors.New("storage: key not found")

const (
	dataPrefix = 'd'
	metaPrefix = 'm'
)

type Store struct {
	db *pebble.DB

	logger zerolog.Logger
}

type Option func(*pebble.Options)

// WithMemFS keeps the store entirely in memory. Test use only.
func WithMemFS() Option {
	return func(o *pebble.Options) {
		o.FS = vfs.NewMem()
	}
}

func Open(path string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	po := &pebble.Options{}
	for _, opt := range opts {
		opt(po)
	}

	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("layer", "storage").Logger(),
	}, nil
}

// EncodeKey builds the storage key for a scoped key.
func EncodeKey(scope, key string) []byte {
	pos := ring.Hash(scope, key)
	out := make([]byte, 0, 1+8+len(scope)+1+len(key))
	out = append(out, dataPrefix)
	out = binary.BigEndian.AppendUint64(out, pos)
	out = append(out, scope...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

// DecodeKey splits a storage key back into its scope and key.
func DecodeKey(sk []byte) (scope, key string, err error) {
	if len(sk) < 10 || sk[0] != dataPrefix {
		return "", "", fmt.Errorf("malformed storage key %q", sk)
	}
	rest := sk[9:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", "", fmt.Errorf("malformed storage key %q: missing scope separator", sk)
	}
	return string(rest[:i]), string(rest[i+1:]), nil
}

func (s *Store) Get(scope, key string) ([]byte, error) {
	value, closer, err := s.db.Get(EncodeKey(scope, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close pebble value")
		}
	}()

	// Copy the value since it's only valid while closer is not closed
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (s *Store) Set(scope, key string, value []byte) error {
	return s.db.Set(EncodeKey(scope, key), value, pebble.Sync)
}

func (s *Store) Delete(scope, key string) error {
	return s.db.Delete(EncodeKey(scope, key), pebble.Sync)
}

// segment is a non-wrapping position interval [low, high].
type segment struct {
	low, high uint64
}

// segments splits a wrap-aware ring range into at most two scans, ordered
// so that a resume cursor always lands in the current or a later segment.
func segments(r ring.Range) []segment {
	if r.Start == r.End {
		return []segment{{low: 0, high: math.MaxUint64}}
	}
	if r.Start < r.End {
		return []segment{{low: r.Start + 1, high: r.End}}
	}
	segs := []segment{}
	if r.Start < math.MaxUint64 {
		segs = append(segs, segment{low: r.Start + 1, high: math.MaxUint64})
	}
	return append(segs, segment{low: 0, high: r.End})
}

func lowerBound(pos uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, dataPrefix)
	return binary.BigEndian.AppendUint64(out, pos)
}

// upperBoundAfter returns the exclusive upper bound covering every key at
// position pos.
func upperBoundAfter(pos uint64) []byte {
	if pos == math.MaxUint64 {
		return []byte{dataPrefix + 1}
	}
	return lowerBound(pos + 1)
}

func keyPosition(sk []byte) uint64 {
	return binary.BigEndian.Uint64(sk[1:9])
}

// ScanRange reads up to limit entries of a ring range in storage order,
// resuming after the given cursor (a storage key returned by a previous
// call). It returns the entries, the cursor to resume from, and whether the
// range is exhausted.
func (s *Store) ScanRange(r ring.Range, cursor []byte, limit int) ([]protocol.Entry, []byte, bool, error) {
	segs := segments(r)

	// Drop the segments the cursor has already finished. Segments are
	// iterated in the order segments() returns them, which for a wrapped
	// range is the high side first.
	if len(cursor) > 0 {
		pos := keyPosition(cursor)
		for i, seg := range segs {
			if pos >= seg.low && pos <= seg.high {
				segs = segs[i:]
				break
			}
		}
	}

	var entries []protocol.Entry
	var last []byte

	for i, seg := range segs {
		lower := lowerBound(seg.low)
		if i == 0 && len(cursor) > 0 {
			if pos := keyPosition(cursor); pos >= seg.low && pos <= seg.high {
				// Resume strictly after the cursor key.
				lower = append(append([]byte(nil), cursor...), 0)
			}
		}

		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: upperBoundAfter(seg.high),
		})
		if err != nil {
			return nil, nil, false, err
		}

		for iter.First(); iter.Valid(); iter.Next() {
			if limit > 0 && len(entries) >= limit {
				if err := iter.Close(); err != nil {
					return nil, nil, false, err
				}
				return entries, last, false, nil
			}

			scope, key, err := DecodeKey(iter.Key())
			if err != nil {
				s.logger.Warn().Err(err).Msg("skipping malformed storage key")
				continue
			}
			value := make([]byte, len(iter.Value()))
			copy(value, iter.Value())
			entries = append(entries, protocol.Entry{Scope: scope, Key: key, Value: value})
			last = append(last[:0], iter.Key()...)
		}
		if err := iter.Close(); err != nil {
			return nil, nil, false, err
		}
	}

	return entries, last, true, nil
}

// DeleteRange removes every key in a ring range. Used by a migration source
// once the handover is complete.
func (s *Store) DeleteRange(r ring.Range) (int, error) {
	batch := s.db.NewBatch()
	defer func() {
		if err := batch.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close delete batch")
		}
	}()

	deleted := 0
	for _, seg := range segments(r) {
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lowerBound(seg.low),
			UpperBound: upperBoundAfter(seg.high),
		})
		if err != nil {
			return 0, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				iter.Close()
				return 0, fmt.Errorf("failed to stage delete for migrated key: %w", err)
			}
			deleted++
		}
		if err := iter.Close(); err != nil {
			return 0, err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit range delete: %w", err)
	}
	return deleted, nil
}

// CountRange counts the keys currently stored in a ring range.
func (s *Store) CountRange(r ring.Range) (int, error) {
	count := 0
	for _, seg := range segments(r) {
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lowerBound(seg.low),
			UpperBound: upperBoundAfter(seg.high),
		})
		if err != nil {
			return 0, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			count++
		}
		if err := iter.Close(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func metaKey(name string) []byte {
	return append([]byte{metaPrefix}, name...)
}

// GetMeta reads node-local metadata (migration cursors, fencing state).
func (s *Store) GetMeta(name string) ([]byte, error) {
	value, closer, err := s.db.Get(metaKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (s *Store) SetMeta(name string, value []byte) error {
	return s.db.Set(metaKey(name), value, pebble.Sync)
}

func (s *Store) DeleteMeta(name string) error {
	return s.db.Delete(metaKey(name), pebble.Sync)
}

func (s *Store) Close() error {
	return s.db.Close()
}
