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
	"sync"

	"github.com/careagent/neuron/internal/auth"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
)

// Request is one line of the admin socket's newline-delimited JSON protocol.
type Request struct {
	Token   string          `json:"token"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the socket's reply to a Request.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// ProtocolStatus mirrors the REST layer's narrow view of the Protocol
// Server so the admin socket can report live session counts too.
type ProtocolStatus interface {
	ActiveSessions() []string
}

// Deps collects the admin socket's dependencies.
type Deps struct {
	Relationships *relationship.Store
	Terminator    *relationship.Terminator
	Registration  *registration.Service
	Protocol      ProtocolStatus
	Snapshots     *SnapshotStore
	TokenHash     string // SHA-256 hex digest of the accepted shared secret
	Log           *slog.Logger
	Shutdown      func() // invoked by the "shutdown" command
}

// Server listens on a Unix domain socket and serves admin commands.
type Server struct {
	deps Deps
	path string

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Server. Call Start to begin listening.
func New(path string, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Server{deps: deps, path: path}
}

// Start removes any stale socket file at path, listens, and serves
// connections in a background goroutine until Stop is called.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.serve(ln)
	s.deps.Log.Info("ipc admin socket listening", "path", s.path)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.deps.Log.Error("ipc accept failed", "error", err)
			return
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{Error: "malformed request"})
			continue
		}
		if auth.HashToken(req.Token) != s.deps.TokenHash {
			_ = enc.Encode(Response{Error: "invalid token"})
			continue
		}
		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			s.deps.Log.Warn("ipc write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "status":
		return s.cmdStatus()
	case "list_sessions":
		return s.cmdListSessions()
	case "terminate":
		return s.cmdTerminate(ctx, req.Args)
	case "add_provider":
		return s.cmdAddProvider(ctx, req.Args)
	case "remove_provider":
		return s.cmdRemoveProvider(ctx, req.Args)
	case "shutdown":
		if s.deps.Shutdown != nil {
			go s.deps.Shutdown()
		}
		return Response{OK: true}
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) cmdStatus() Response {
	st := s.deps.Registration.Status()
	var sessions int
	if s.deps.Protocol != nil {
		sessions = len(s.deps.Protocol.ActiveSessions())
	}
	return Response{OK: true, Result: map[string]any{
		"registration_status": st.Status,
		"registration_id":     st.RegistrationID,
		"active_sessions":     sessions,
	}}
}

func (s *Server) cmdListSessions() Response {
	var live []string
	if s.deps.Protocol != nil {
		live = s.deps.Protocol.ActiveSessions()
	}
	result := map[string]any{"live_sessions": live}
	if s.deps.Snapshots != nil {
		if snaps, err := s.deps.Snapshots.All(); err == nil {
			result["snapshots"] = snaps
		}
	}
	return Response{OK: true, Result: result}
}

func (s *Server) cmdTerminate(ctx context.Context, args json.RawMessage) Response {
	var body struct {
		RelationshipID string `json:"relationship_id"`
		ProviderNPI    string `json:"provider_npi"`
		Reason         string `json:"reason"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return Response{Error: "invalid args"}
	}
	rec, err := s.deps.Terminator.Terminate(ctx, body.RelationshipID, body.ProviderNPI, body.Reason)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Result: rec}
}

func (s *Server) cmdAddProvider(ctx context.Context, args json.RawMessage) Response {
	var body struct {
		ProviderNPI string `json:"provider_npi"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return Response{Error: "invalid args"}
	}
	if err := s.deps.Registration.AddProvider(ctx, body.ProviderNPI); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdRemoveProvider(ctx context.Context, args json.RawMessage) Response {
	var body struct {
		ProviderNPI string `json:"provider_npi"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return Response{Error: "invalid args"}
	}
	if err := s.deps.Registration.RemoveProvider(ctx, body.ProviderNPI); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}
