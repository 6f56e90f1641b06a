// Package replication pushes successful writes to their secondary replica
// (and, during a migration, to the destination node) in the background.
// Delivery is a merge, never an overwrite, so retries and reordering are
// harmless; no acknowledgment is required before the originating write
// returns to the client.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/protocol"
)

// Sender delivers a merge-write to a peer node.
type Sender interface {
	MergeWrite(ctx context.Context, target protocol.NodeInfo, req *protocol.MergeWriteRequest) error
}

// Job is one pending delivery.
type Job struct {
	Target protocol.NodeInfo
	Req    protocol.MergeWriteRequest

	// Persistent jobs are retried until shutdown instead of being dropped
	// after MaxAttempts. Migration forwards must not be lost: the source
	// deletes its copy of the range on Complete.
	Persistent bool
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1024,
		MaxAttempts: 8,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

type Manager struct {
	sender Sender
	cfg    Config
	jobs   chan Job
	done   chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once

	logger zerolog.Logger
}

func NewManager(sender Sender, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		sender: sender,
		cfg:    cfg,
		jobs:   make(chan Job, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("layer", "replication").Logger(),
	}
}

func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

// Stop drains nothing: pending jobs are dropped. Convergence is restored by
// later writes or a replica sync; losing queued deliveries only widens the
// staleness window.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
}

// Enqueue schedules a delivery. Blocks only when the queue is full, which
// backpressures the write path instead of growing without bound. A write
// racing shutdown is dropped, never a panic.
func (m *Manager) Enqueue(job Job) {
	select {
	case <-m.done:
	case m.jobs <- job:
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.jobs:
			m.deliver(ctx, job)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, job Job) {
	backoff := m.cfg.BaseBackoff

	for attempt := 1; ; attempt++ {
		err := m.sender.MergeWrite(ctx, job.Target, &job.Req)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !job.Persistent && attempt >= m.cfg.MaxAttempts {
			// Dropped secondary deliveries are tolerated: the value converges
			// on the next write or replica sync touching the key.
			m.logger.Error().
				Err(err).
				Str("target", job.Target.ID).
				Str("scope", job.Req.Scope).
				Str("key", job.Req.Key).
				Int("attempts", attempt).
				Msg("giving up on replica delivery")
			return
		}

		m.logger.Debug().
			Err(err).
			Str("target", job.Target.ID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("replica delivery failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}
