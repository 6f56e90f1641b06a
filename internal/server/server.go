// Package server exposes a node (and, when this process carries the
// controller role, the controller) over RPC. Client traffic, node-to-node
// merges and controller commands share one listener.
package server

import (
	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/driftlab/ringkv/internal/controller"
	"github.com/driftlab/ringkv/internal/node"
)

type Server struct {
	server *arpc.Server
	node   *node.Node
	// controller is nil on plain storage nodes.
	controller *controller.Controller

	logger zerolog.Logger
}

func NewServer(n *node.Node, ctl *controller.Controller, logger zerolog.Logger) *Server {
	s := &Server{
		server:     arpc.NewServer(),
		node:       n,
		controller: ctl,
		logger:     logger.With().Str("layer", "server").Logger(),
	}

	s.server.Handler.Handle("/kv/get", s.handleGet)
	s.server.Handler.Handle("/kv/put", s.handlePut)

	s.server.Handler.Handle("/node/merge-write", s.handleMergeWrite)
	s.server.Handler.Handle("/node/bulk-copy", s.handleBulkCopy)
	s.server.Handler.Handle("/node/begin-source", s.handleBeginSource)
	s.server.Handler.Handle("/node/begin-dest", s.handleBeginDestination)
	s.server.Handler.Handle("/node/advance", s.handleAdvanceState)
	s.server.Handler.Handle("/node/migration-status", s.handleMigrationStatus)
	s.server.Handler.Handle("/node/snapshot", s.handleUpdateSnapshot)

	if ctl != nil {
		s.server.Handler.Handle("/ctrl/join", s.handleJoin)
		s.server.Handler.Handle("/ctrl/leave", s.handleLeave)
		s.server.Handler.Handle("/ctrl/abort", s.handleAbort)
		s.server.Handler.Handle("/ctrl/status", s.handleStatus)
		s.server.Handler.Handle("/ctrl/snapshot", s.handleSnapshotPull)
	}

	return s
}

// Run serves until Stop. Blocking.
func (s *Server) Run(addr string) error {
	s.logger.Info().Str("address", addr).Msg("serving")
	return s.server.Run(addr)
}

func (s *Server) Stop() error {
	return s.server.Stop()
}
