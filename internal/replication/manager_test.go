package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/ringkv/internal/protocol"
)

// flakySender fails the first failures deliveries of each key, then
// records the write.
type flakySender struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	received map[string][]byte
}

func newFlakySender(failures int) *flakySender {
	return &flakySender{
		failures: failures,
		attempts: make(map[string]int),
		received: make(map[string][]byte),
	}
}

func (f *flakySender) MergeWrite(_ context.Context, _ protocol.NodeInfo, req *protocol.MergeWriteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[req.Key]++
	if f.attempts[req.Key] <= f.failures {
		return assert.AnError
	}
	f.received[req.Key] = req.Value
	return nil
}

func (f *flakySender) got(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.received[key]
	return v, ok
}

func fastConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   64,
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	sender := newFlakySender(3)
	m := NewManager(sender, fastConfig(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	m.Enqueue(Job{
		Target: protocol.NodeInfo{ID: "b"},
		Req:    protocol.MergeWriteRequest{Scope: "s", Key: "k1", Value: []byte("v")},
	})

	waitFor(t, 2*time.Second, func() bool {
		_, ok := sender.got("k1")
		return ok
	})
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	sender := newFlakySender(100)
	m := NewManager(sender, fastConfig(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	m.Enqueue(Job{
		Target: protocol.NodeInfo{ID: "b"},
		Req:    protocol.MergeWriteRequest{Scope: "s", Key: "k1", Value: []byte("v")},
	})

	waitFor(t, 2*time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.attempts["k1"] >= 5
	})

	// Must stop at MaxAttempts, not retry forever.
	time.Sleep(20 * time.Millisecond)
	sender.mu.Lock()
	attempts := sender.attempts["k1"]
	sender.mu.Unlock()
	assert.Equal(t, 5, attempts)

	_, delivered := sender.got("k1")
	assert.False(t, delivered)
}

func TestPersistentJobRetriesPastMaxAttempts(t *testing.T) {
	sender := newFlakySender(20)
	m := NewManager(sender, fastConfig(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	m.Enqueue(Job{
		Target:     protocol.NodeInfo{ID: "b"},
		Req:        protocol.MergeWriteRequest{Scope: "s", Key: "k1", Value: []byte("v")},
		Persistent: true,
	})

	// Delivered despite failing far past the MaxAttempts budget.
	waitFor(t, 5*time.Second, func() bool {
		_, ok := sender.got("k1")
		return ok
	})

	sender.mu.Lock()
	attempts := sender.attempts["k1"]
	sender.mu.Unlock()
	assert.Equal(t, 21, attempts)
}

func TestEnqueueAfterStopIsDropped(t *testing.T) {
	sender := newFlakySender(0)
	m := NewManager(sender, fastConfig(), zerolog.Nop())
	m.Start()
	m.Stop()

	// Must not panic; the job is silently dropped.
	m.Enqueue(Job{
		Target: protocol.NodeInfo{ID: "b"},
		Req:    protocol.MergeWriteRequest{Scope: "s", Key: "k1", Value: []byte("v")},
	})

	time.Sleep(10 * time.Millisecond)
	_, delivered := sender.got("k1")
	assert.False(t, delivered)
}

func TestEnqueueManyKeys(t *testing.T) {
	sender := newFlakySender(0)
	m := NewManager(sender, fastConfig(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, key := range keys {
		m.Enqueue(Job{
			Target: protocol.NodeInfo{ID: "b"},
			Req:    protocol.MergeWriteRequest{Scope: "s", Key: key, Value: []byte(key)},
		})
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, key := range keys {
			if _, ok := sender.got(key); !ok {
				return false
			}
		}
		return true
	})

	for _, key := range keys {
		v, ok := sender.got(key)
		require.True(t, ok)
		assert.Equal(t, []byte(key), v)
	}
}
