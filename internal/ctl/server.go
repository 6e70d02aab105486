// Package ctl implements the daemon's control socket: newline-delimited
// JSON requests, one response per request, with attach upgrading the
// connection to the interactive frame protocol.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/internal/runspace"
	"github.com/p-arndt/runspace/protocol"
)

const maxRequestBytes = 1 << 20

type Server struct {
	mgr     ManagerAPI
	bridge  SessionServer
	journal EventSource
	logger  *slog.Logger

	wg sync.WaitGroup
}

func NewServer(mgr ManagerAPI, bridge SessionServer, journal EventSource, logger *slog.Logger) *Server {
	return &Server{
		mgr:     mgr,
		bridge:  bridge,
		journal: journal,
		logger:  logger,
	}
}

// Serve accepts connections until the listener closes. Each connection is
// handled on its own goroutine; Serve returns once all of them drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	r := bufio.NewReaderSize(conn, maxRequestBytes)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("control read", "error", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(conn, "", fmt.Errorf("%w: %v", runspace.ErrInvalidRequest, err))
			continue
		}

		if req.Op == protocol.OpAttach {
			s.handleAttach(ctx, conn, r, req)
			return
		}

		result, err := s.dispatch(ctx, req)
		if err != nil {
			s.writeError(conn, req.ID, err)
			continue
		}
		s.writeResult(conn, req.ID, result)
	}
}

// dispatch routes a single control request. The result is marshaled into
// the response envelope as-is.
func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpCreate:
		return s.mgr.Create(ctx, createOpts(req))

	case protocol.OpGet:
		if req.RunspaceID != "" {
			return s.mgr.Get(ctx, req.RunspaceID)
		}
		if req.Name != "" {
			return s.mgr.GetByName(ctx, req.Name)
		}
		return nil, fmt.Errorf("%w: get needs runspace_id or name", runspace.ErrInvalidRequest)

	case protocol.OpList:
		list, err := s.mgr.List(ctx)
		if err != nil {
			return nil, err
		}
		return listResult{Runspaces: list, ActiveRunspaceID: s.mgr.ActiveRunspaceID()}, nil

	case protocol.OpUpdate:
		return s.mgr.Update(ctx, req.RunspaceID, updateOpts(req))

	case protocol.OpStart:
		return s.mgr.Start(ctx, req.RunspaceID)

	case protocol.OpStop:
		return nil, s.mgr.Stop(ctx, req.RunspaceID)

	case protocol.OpSuspend:
		return nil, s.mgr.Suspend(ctx, req.RunspaceID)

	case protocol.OpResume:
		return s.mgr.Resume(ctx, req.RunspaceID)

	case protocol.OpSwitch:
		return s.mgr.Switch(ctx, req.RunspaceID)

	case protocol.OpDelete:
		return nil, s.mgr.Delete(ctx, req.RunspaceID, req.DeleteFiles)

	case protocol.OpExec:
		if req.Command == "" {
			return nil, fmt.Errorf("%w: exec needs a command", runspace.ErrInvalidRequest)
		}
		out, err := s.mgr.Execute(ctx, req.RunspaceID, req.Command)
		if err != nil {
			return nil, err
		}
		return execResult{Output: out}, nil

	case protocol.OpHealth:
		return s.mgr.Health(ctx, req.RunspaceID)

	case protocol.OpEvents:
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		if req.RunspaceID != "" {
			return s.journal.ByRunspace(req.RunspaceID, limit)
		}
		return s.journal.Recent(limit)

	default:
		return nil, fmt.Errorf("%w: unknown op %q", runspace.ErrInvalidRequest, req.Op)
	}
}

// handleAttach acknowledges the request, then hands the connection to the
// bridge. The buffered reader carries over so no client bytes are lost.
func (s *Server) handleAttach(ctx context.Context, conn net.Conn, r *bufio.Reader, req protocol.Request) {
	sess, err := s.mgr.AttachPTY(ctx, req.RunspaceID)
	if err != nil {
		s.writeError(conn, req.ID, err)
		return
	}
	s.writeResult(conn, req.ID, attachResult{SessionID: sess.ID, PID: sess.PID()})

	if err := s.bridge.ServeClient(sess, readWriter{r, conn}); err != nil {
		s.logger.Debug("attach ended", "runspace_id", req.RunspaceID, "error", err)
	}
}

type listResult struct {
	Runspaces        []*registry.Runspace `json:"runspaces"`
	ActiveRunspaceID string               `json:"activeRunspaceId,omitempty"`
}

type execResult struct {
	Output string `json:"output"`
}

type attachResult struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

func createOpts(req protocol.Request) runspace.CreateOpts {
	opts := runspace.CreateOpts{
		Name:                  req.Name,
		DisplayName:           req.DisplayName,
		Path:                  req.Path,
		BackendType:           registry.BackendType(req.BackendType),
		Tags:                  req.Tags,
		SuspendTimeoutSeconds: req.SuspendTimeoutSeconds,
		Vision:                req.Vision,
		ProjectState:          req.ProjectState,
		BackendConfig:         req.BackendConfig,
	}
	if req.AutoStart != nil {
		opts.AutoStart = *req.AutoStart
	}
	if req.AutoSuspend != nil {
		opts.AutoSuspend = *req.AutoSuspend
	}
	return opts
}

func updateOpts(req protocol.Request) runspace.UpdateOpts {
	opts := runspace.UpdateOpts{
		AutoStart:     req.AutoStart,
		AutoSuspend:   req.AutoSuspend,
		Vision:        req.Vision,
		ProjectState:  req.ProjectState,
		BackendConfig: req.BackendConfig,
	}
	if req.DisplayName != "" {
		opts.DisplayName = &req.DisplayName
	}
	if req.Tags != nil {
		opts.Tags = &req.Tags
	}
	if req.SuspendTimeoutSeconds > 0 {
		opts.SuspendTimeoutSeconds = &req.SuspendTimeoutSeconds
	}
	return opts
}

func (s *Server) writeResult(w io.Writer, id string, result any) {
	resp := protocol.Response{ID: id, OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.writeError(w, id, fmt.Errorf("marshal result: %w", err))
			return
		}
		resp.Result = data
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeError(w io.Writer, id string, err error) {
	s.writeResponse(w, protocol.Response{
		ID:        id,
		OK:        false,
		ErrorKind: errorKind(err),
		Error:     err.Error(),
	})
}

func (s *Server) writeResponse(w io.Writer, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("control write", "error", err)
	}
}

// readWriter pairs the connection's buffered reader with its raw writer
// for the frame protocol handoff.
type readWriter struct {
	io.Reader
	io.Writer
}
