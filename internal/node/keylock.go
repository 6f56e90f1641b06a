package node

import "sync"

// keyLocks serializes operations per key while letting distinct keys
// proceed in parallel. Striping by ring position is enough: two keys
// sharing a stripe only ever contend, never corrupt.
type keyLocks struct {
	stripes [128]sync.Mutex
}

func (l *keyLocks) lock(pos uint64) *sync.Mutex {
	mu := &l.stripes[pos%uint64(len(l.stripes))]
	mu.Lock()
	return mu
}
