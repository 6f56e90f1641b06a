// Package cluster is the typed RPC transport between processes: the
// replication sender and migration peer used by nodes, and the command
// channel the controller drives nodes with. One pooled connection per
// target, created lazily and replaced when a node comes back on a new
// address.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/protocol"
)

const (
	defaultTimeout  = 10 * time.Second
	bulkCopyTimeout = 5 * time.Minute
)

type pooledClient struct {
	client  *arpc.Client
	address string
}

type Pool struct {
	mu      sync.RWMutex
	clients map[string]*pooledClient

	timeout time.Duration
	logger  zerolog.Logger
}

func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		clients: make(map[string]*pooledClient),
		timeout: defaultTimeout,
		logger:  logger.With().Str("layer", "cluster").Logger(),
	}
}

func (p *Pool) get(target protocol.NodeInfo) (*arpc.Client, error) {
	p.mu.RLock()
	pc, exists := p.clients[target.ID]
	p.mu.RUnlock()

	if exists && pc.address == target.Address {
		return pc.client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double check after acquiring the write lock.
	if pc, exists = p.clients[target.ID]; exists {
		if pc.address == target.Address {
			return pc.client, nil
		}
		pc.client.Stop()
		delete(p.clients, target.ID)
	}

	address := target.Address
	client, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s: %w", target.ID, err)
	}

	p.clients[target.ID] = &pooledClient{client: client, address: address}
	return client, nil
}

func (p *Pool) Remove(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, exists := p.clients[nodeID]; exists {
		pc.client.Stop()
		delete(p.clients, nodeID)
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.clients {
		pc.client.Stop()
	}
	p.clients = make(map[string]*pooledClient)
}

func respError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// MergeWrite delivers a replica or forwarded write.
func (p *Pool) MergeWrite(ctx context.Context, target protocol.NodeInfo, req *protocol.MergeWriteRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.MergeWriteResponse
	if err := client.Call("/node/merge-write", req, &resp, p.timeout); err != nil {
		return err
	}
	return respError(resp.Error)
}

// BulkCopy delivers one migration batch. Batches can be large, so the
// timeout is generous.
func (p *Pool) BulkCopy(ctx context.Context, target protocol.NodeInfo, req *protocol.BulkCopyRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.BulkCopyResponse
	if err := client.Call("/node/bulk-copy", req, &resp, bulkCopyTimeout); err != nil {
		return err
	}
	return respError(resp.Error)
}

func (p *Pool) BeginMigrationSource(ctx context.Context, target protocol.NodeInfo, req *protocol.BeginSourceRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.CommandResponse
	if err := client.Call("/node/begin-source", req, &resp, p.timeout); err != nil {
		return err
	}
	return respError(resp.Error)
}

func (p *Pool) BeginMigrationDestination(ctx context.Context, target protocol.NodeInfo, req *protocol.BeginDestinationRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.CommandResponse
	if err := client.Call("/node/begin-dest", req, &resp, p.timeout); err != nil {
		return err
	}
	return respError(resp.Error)
}

func (p *Pool) AdvanceState(ctx context.Context, target protocol.NodeInfo, req *protocol.AdvanceStateRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.CommandResponse
	if err := client.Call("/node/advance", req, &resp, p.timeout); err != nil {
		return err
	}
	return respError(resp.Error)
}

func (p *Pool) MigrationStatus(ctx context.Context, target protocol.NodeInfo, req *protocol.MigrationStatusRequest) (*protocol.MigrationStatusResponse, error) {
	client, err := p.get(target)
	if err != nil {
		return nil, err
	}

	var resp protocol.MigrationStatusResponse
	if err := client.Call("/node/migration-status", req, &resp, p.timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

func (p *Pool) PushSnapshot(ctx context.Context, target protocol.NodeInfo, req *protocol.UpdateSnapshotRequest) error {
	client, err := p.get(target)
	if err != nil {
		return err
	}

	var resp protocol.CommandResponse
	if err := client.Call("/node/snapshot", req, &resp, p.timeout); err != nil {
		return err
	}
	return respError(resp.Error)
}
