package controller

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/ring"
)

var (
	bucketMeta       = []byte("meta")
	bucketNodes      = []byte("nodes")
	bucketVNodes     = []byte("vnodes")
	bucketMigrations = []byte("migrations")

	keyIncarnation = []byte("incarnation")
	keyVersion     = []byte("version")
)

// Store persists the controller's cluster state so a restarted controller
// resumes with the same ring, the same in-flight migrations, and a higher
// fencing incarnation.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open controller store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketNodes, bucketVNodes, bucketMigrations} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create controller buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// BumpIncarnation atomically increments and returns the fencing
// incarnation. Called once per controller start, before any command is
// issued, so no two controller lifetimes ever share an incarnation.
func (s *Store) BumpIncarnation() (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keyIncarnation); data != nil {
			next = binary.BigEndian.Uint64(data)
		}
		next++
		return meta.Put(keyIncarnation, binary.BigEndian.AppendUint64(nil, next))
	})
	return next, err
}

func (s *Store) SaveVersion(v uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVersion, binary.BigEndian.AppendUint64(nil, v))
	})
}

func (s *Store) SaveNode(info protocol.NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(info.ID), data)
	})
}

func (s *Store) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

func (s *Store) SaveVirtualNode(vn ring.VirtualNode) error {
	data, err := json.Marshal(vn)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVNodes).Put(binary.BigEndian.AppendUint64(nil, vn.Position), data)
	})
}

func (s *Store) DeleteVirtualNode(position uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVNodes).Delete(binary.BigEndian.AppendUint64(nil, position))
	})
}

func (s *Store) SaveMigration(m *protocol.Migration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Put([]byte(m.TaskID), data)
	})
}

func (s *Store) DeleteMigration(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Delete([]byte(taskID))
	})
}

// PersistedState is everything Load recovers for a restarting controller.
type PersistedState struct {
	Version      uint64
	Nodes        map[string]protocol.NodeInfo
	VirtualNodes []ring.VirtualNode
	Migrations   map[string]*protocol.Migration
}

func (s *Store) Load() (*PersistedState, error) {
	state := &PersistedState{
		Nodes:      make(map[string]protocol.NodeInfo),
		Migrations: make(map[string]*protocol.Migration),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyVersion); data != nil {
			state.Version = binary.BigEndian.Uint64(data)
		}

		err := tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var info protocol.NodeInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("corrupt node record: %w", err)
			}
			state.Nodes[info.ID] = info
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketVNodes).ForEach(func(_, v []byte) error {
			var vn ring.VirtualNode
			if err := json.Unmarshal(v, &vn); err != nil {
				return fmt.Errorf("corrupt virtual node record: %w", err)
			}
			state.VirtualNodes = append(state.VirtualNodes, vn)
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketMigrations).ForEach(func(_, v []byte) error {
			var m protocol.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("corrupt migration record: %w", err)
			}
			state.Migrations[m.TaskID] = &m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
