package server

import (
	"context"
	"errors"

	"github.com/lesismal/arpc"

	"github.com/driftlab/ringkv/internal/node"
	"github.com/driftlab/ringkv/internal/protocol"
)

func (s *Server) write(ctx *arpc.Context, handler string, resp interface{}) {
	if err := ctx.Write(resp); err != nil {
		s.logger.Error().Err(err).Str("handler", handler).Msg("failed to write response")
	}
}

func (s *Server) bind(ctx *arpc.Context, handler string, req interface{}) bool {
	if err := ctx.Bind(req); err != nil {
		s.logger.Warn().Err(err).Str("handler", handler).Msg("failed to bind request")
		if err := ctx.Error(err); err != nil {
			s.logger.Error().Err(err).Str("handler", handler).Msg("failed to send error response")
		}
		return false
	}
	return true
}

func redirectHint(err error) *protocol.NodeInfo {
	var wrong *node.WrongNodeError
	if errors.As(err, &wrong) {
		hint := wrong.Hint
		return &hint
	}
	return nil
}

func (s *Server) handleGet(ctx *arpc.Context) {
	var req protocol.GetRequest
	if !s.bind(ctx, "kv/get", &req) {
		return
	}

	value, err := s.node.Get(context.Background(), req.Scope, req.Key)
	switch {
	case errors.Is(err, node.ErrNotFound):
		s.write(ctx, "kv/get", &protocol.GetResponse{Found: false})
	case err != nil:
		s.write(ctx, "kv/get", &protocol.GetResponse{Error: err.Error(), Redirect: redirectHint(err)})
	default:
		s.write(ctx, "kv/get", &protocol.GetResponse{Found: true, Value: value})
	}
}

func (s *Server) handlePut(ctx *arpc.Context) {
	var req protocol.PutRequest
	if !s.bind(ctx, "kv/put", &req) {
		return
	}

	merged, err := s.node.Put(context.Background(), req.Scope, req.Key, req.Value)
	if err != nil {
		s.write(ctx, "kv/put", &protocol.PutResponse{Error: err.Error(), Redirect: redirectHint(err)})
		return
	}
	s.write(ctx, "kv/put", &protocol.PutResponse{Merged: merged})
}

func (s *Server) handleMergeWrite(ctx *arpc.Context) {
	var req protocol.MergeWriteRequest
	if !s.bind(ctx, "node/merge-write", &req) {
		return
	}

	if err := s.node.MergeWrite(context.Background(), &req); err != nil {
		s.write(ctx, "node/merge-write", &protocol.MergeWriteResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/merge-write", &protocol.MergeWriteResponse{})
}

func (s *Server) handleBulkCopy(ctx *arpc.Context) {
	var req protocol.BulkCopyRequest
	if !s.bind(ctx, "node/bulk-copy", &req) {
		return
	}

	if err := s.node.ApplyBulkCopy(context.Background(), &req); err != nil {
		s.write(ctx, "node/bulk-copy", &protocol.BulkCopyResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/bulk-copy", &protocol.BulkCopyResponse{})
}

func (s *Server) handleBeginSource(ctx *arpc.Context) {
	var req protocol.BeginSourceRequest
	if !s.bind(ctx, "node/begin-source", &req) {
		return
	}

	if err := s.node.BeginMigrationSource(&req); err != nil {
		s.write(ctx, "node/begin-source", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/begin-source", &protocol.CommandResponse{})
}

func (s *Server) handleBeginDestination(ctx *arpc.Context) {
	var req protocol.BeginDestinationRequest
	if !s.bind(ctx, "node/begin-dest", &req) {
		return
	}

	if err := s.node.BeginMigrationDestination(&req); err != nil {
		s.write(ctx, "node/begin-dest", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/begin-dest", &protocol.CommandResponse{})
}

func (s *Server) handleAdvanceState(ctx *arpc.Context) {
	var req protocol.AdvanceStateRequest
	if !s.bind(ctx, "node/advance", &req) {
		return
	}

	if err := s.node.AdvanceState(&req); err != nil {
		s.write(ctx, "node/advance", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/advance", &protocol.CommandResponse{})
}

func (s *Server) handleMigrationStatus(ctx *arpc.Context) {
	var req protocol.MigrationStatusRequest
	if !s.bind(ctx, "node/migration-status", &req) {
		return
	}

	status, err := s.node.MigrationStatus(req.TaskID)
	if err != nil {
		s.write(ctx, "node/migration-status", &protocol.MigrationStatusResponse{TaskID: req.TaskID, Error: err.Error()})
		return
	}
	s.write(ctx, "node/migration-status", status)
}

func (s *Server) handleUpdateSnapshot(ctx *arpc.Context) {
	var req protocol.UpdateSnapshotRequest
	if !s.bind(ctx, "node/snapshot", &req) {
		return
	}

	if err := s.node.UpdateSnapshot(&req); err != nil {
		s.write(ctx, "node/snapshot", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "node/snapshot", &protocol.CommandResponse{})
}

func (s *Server) handleJoin(ctx *arpc.Context) {
	var req protocol.JoinRequest
	if !s.bind(ctx, "ctrl/join", &req) {
		return
	}

	if err := s.controller.Join(context.Background(), &req); err != nil {
		s.write(ctx, "ctrl/join", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "ctrl/join", &protocol.CommandResponse{})
}

func (s *Server) handleLeave(ctx *arpc.Context) {
	var req protocol.LeaveRequest
	if !s.bind(ctx, "ctrl/leave", &req) {
		return
	}

	if err := s.controller.Leave(context.Background(), &req); err != nil {
		s.write(ctx, "ctrl/leave", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "ctrl/leave", &protocol.CommandResponse{})
}

func (s *Server) handleAbort(ctx *arpc.Context) {
	var req protocol.AbortMigrationRequest
	if !s.bind(ctx, "ctrl/abort", &req) {
		return
	}

	if err := s.controller.Abort(context.Background(), &req); err != nil {
		s.write(ctx, "ctrl/abort", &protocol.CommandResponse{Error: err.Error()})
		return
	}
	s.write(ctx, "ctrl/abort", &protocol.CommandResponse{})
}

func (s *Server) handleStatus(ctx *arpc.Context) {
	s.write(ctx, "ctrl/status", s.controller.Status())
}

func (s *Server) handleSnapshotPull(ctx *arpc.Context) {
	var req protocol.SnapshotRequest
	if !s.bind(ctx, "ctrl/snapshot", &req) {
		return
	}
	s.write(ctx, "ctrl/snapshot", &protocol.SnapshotResponse{
		Snapshot: s.controller.CurrentSnapshot(req.HaveVersion),
	})
}
