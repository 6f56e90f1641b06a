// Package client is the embeddable smart client: it carries its own router
// fed from the controller's snapshots, talks straight to the owning node,
// and follows at most a few wrong-node bounces before giving up. A stale
// client is never wrong, only slower.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/crdt"
	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/router"
)

const (
	defaultTimeout  = 5 * time.Second
	refreshInterval = 2 * time.Second

	// maxBounces bounds redirect-chasing per request. Routing converges in
	// one hop in the steady state; more bounces than this means the view
	// is churning and the caller should back off.
	maxBounces = 3
)

type Client struct {
	controller *arpc.Client
	router     *router.Router

	mu    sync.Mutex
	conns map[string]*arpc.Client

	timeout time.Duration
	done    chan struct{}
	once    sync.Once

	logger zerolog.Logger
}

func NewClient(controllerAddr string, logger ...zerolog.Logger) (*Client, error) {
	ctl, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", controllerAddr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller: %w", err)
	}

	c := &Client{
		controller: ctl,
		router:     router.New(),
		conns:      make(map[string]*arpc.Client),
		timeout:    defaultTimeout,
		done:       make(chan struct{}),
	}
	if len(logger) > 0 {
		c.logger = logger[0].With().Str("layer", "client").Logger()
	} else {
		c.logger = zerolog.Nop()
	}

	if err := c.refresh(); err != nil {
		ctl.Stop()
		return nil, err
	}
	go c.refreshLoop()

	return c, nil
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// refresh pulls the controller's snapshot if it is newer than ours.
func (c *Client) refresh() error {
	var resp protocol.SnapshotResponse
	req := &protocol.SnapshotRequest{HaveVersion: c.router.Version()}
	if err := c.controller.Call("/ctrl/snapshot", req, &resp, c.timeout); err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if resp.Snapshot == nil {
		return nil
	}
	if _, err := c.router.Update(resp.Snapshot); err != nil {
		return err
	}
	c.logger.Debug().Uint64("version", resp.Snapshot.Version).Msg("snapshot updated")
	return nil
}

func (c *Client) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.refresh(); err != nil {
				c.logger.Warn().Err(err).Msg("snapshot refresh failed")
			}
		}
	}
}

func (c *Client) conn(info protocol.NodeInfo) (*arpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.conns[info.Address]; ok {
		return client, nil
	}

	address := info.Address
	client, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s: %w", info.ID, err)
	}
	c.conns[info.Address] = client
	return client, nil
}

// Get reads a scoped key. Returns found=false for an absent key.
func (c *Client) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	target, err := c.router.Route(scope, key, router.OpRead)
	if err != nil {
		return nil, false, err
	}

	req := &protocol.GetRequest{Scope: scope, Key: key}
	for attempt := 0; attempt <= maxBounces; attempt++ {
		client, err := c.conn(target)
		if err != nil {
			return nil, false, err
		}

		var resp protocol.GetResponse
		if err := client.Call("/kv/get", req, &resp, c.timeout); err != nil {
			return nil, false, err
		}
		if resp.Redirect != nil {
			target = *resp.Redirect
			c.bounced(scope, key, target)
			continue
		}
		if resp.Error != "" {
			return nil, false, errors.New(resp.Error)
		}
		return resp.Value, resp.Found, nil
	}
	return nil, false, fmt.Errorf("%w: routing did not settle for %s/%s", protocol.ErrUnavailable, scope, key)
}

// Put merges value into the scoped key and returns the post-merge value.
func (c *Client) Put(ctx context.Context, scope, key string, value []byte) ([]byte, error) {
	target, err := c.router.Route(scope, key, router.OpWrite)
	if err != nil {
		return nil, err
	}

	req := &protocol.PutRequest{Scope: scope, Key: key, Value: value}
	for attempt := 0; attempt <= maxBounces; attempt++ {
		client, err := c.conn(target)
		if err != nil {
			return nil, err
		}

		var resp protocol.PutResponse
		if err := client.Call("/kv/put", req, &resp, c.timeout); err != nil {
			return nil, err
		}
		if resp.Redirect != nil {
			target = *resp.Redirect
			c.bounced(scope, key, target)
			continue
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Merged, nil
	}
	return nil, fmt.Errorf("%w: routing did not settle for %s/%s", protocol.ErrUnavailable, scope, key)
}

// bounced refreshes the routing view after a wrong-node redirect; the
// bounce means our snapshot is behind the cluster.
func (c *Client) bounced(scope, key string, target protocol.NodeInfo) {
	c.logger.Debug().
		Str("scope", scope).
		Str("key", key).
		Str("target", target.ID).
		Msg("redirected")
	if err := c.refresh(); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot refresh failed after redirect")
	}
}

// Join registers a node with the controller.
func (c *Client) Join(ctx context.Context, node protocol.NodeInfo, slots int) error {
	var resp protocol.CommandResponse
	req := &protocol.JoinRequest{Node: node, Slots: slots}
	if err := c.controller.Call("/ctrl/join", req, &resp, c.timeout); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Leave drains and retires a node.
func (c *Client) Leave(ctx context.Context, nodeID string) error {
	var resp protocol.CommandResponse
	req := &protocol.LeaveRequest{NodeID: nodeID}
	if err := c.controller.Call("/ctrl/leave", req, &resp, c.timeout); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Abort supersedes a stalled migration task.
func (c *Client) Abort(ctx context.Context, taskID string) error {
	var resp protocol.CommandResponse
	req := &protocol.AbortMigrationRequest{TaskID: taskID}
	if err := c.controller.Call("/ctrl/abort", req, &resp, c.timeout); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Status fetches the controller's view of the cluster.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.controller.Call("/ctrl/status", &protocol.StatusRequest{}, &resp, c.timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.conns {
		client.Stop()
	}
	c.conns = make(map[string]*arpc.Client)
	c.controller.Stop()
	return nil
}

// GetAs reads and decodes a scoped key into its bound CRDT type. The zero
// value and found=false come back for an absent key.
func GetAs[T crdt.Mergeable[T]](ctx context.Context, c *Client, scope, key string) (T, bool, error) {
	var zero T
	data, found, err := c.Get(ctx, scope, key)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := crdt.Decode[T](data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// PutValue merges a typed CRDT value into a scoped key and returns the
// merged result.
func PutValue[T crdt.Mergeable[T]](ctx context.Context, c *Client, scope, key string, value T) (T, error) {
	var zero T
	data, err := crdt.Encode(value)
	if err != nil {
		return zero, err
	}
	merged, err := c.Put(ctx, scope, key, data)
	if err != nil {
		return zero, err
	}
	return crdt.Decode[T](merged)
}
