// Package ipc is the unix-socket control channel for the companion
// CLI: newline-delimited JSON requests that let account management
// tooling tear down live sessions.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/habgate/habgate/internal/auth"
	"github.com/habgate/habgate/internal/hub"
)

// Request is one control message. Actions: "user-deleted",
// "password-changed", "ping".
type Request struct {
	Action string `json:"action"`
	User   string `json:"user,omitempty"`
}

type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Closed int    `json:"closed,omitempty"`
}

// Server listens on a unix socket and applies control actions against
// the hub and the session store.
type Server struct {
	path string
	hub  *hub.Hub
	auth *auth.Authenticator
}

func NewServer(path string, h *hub.Hub, a *auth.Authenticator) *Server {
	return &Server{path: path, hub: h, auth: a}
}

// Run serves the socket until ctx is done. A stale socket file from a
// previous run is removed first.
func (s *Server) Run(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc listen: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc socket perms: %w", err)
	}
	slog.Info("ipc socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("ipc accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: "invalid request"})
			continue
		}
		_ = enc.Encode(s.handle(ctx, req))
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	switch req.Action {
	case "ping":
		return Response{OK: true}
	case "user-deleted", "password-changed":
		if req.User == "" {
			return Response{Error: "user is required"}
		}
		// Outstanding cookies die with the sessions; password-changed
		// additionally relies on the pass-hash baked into the cookie MAC.
		if err := s.auth.DropSessions(ctx, req.User); err != nil {
			slog.Warn("ipc session teardown failed", "user", req.User, "error", err)
		}
		closed := s.hub.CloseUser(req.User)
		slog.Info("ipc account action applied", "action", req.Action, "user", req.User, "closed", closed)
		return Response{OK: true, Closed: closed}
	default:
		return Response{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}
