// Package operator — server.go
//
// Unix domain socket server for supervisor operator commands.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/gocapcom/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"change_admin","subsystem":"foo","admin":"Online","client_id":7}
//	  → Sends ChangeAdmin(Online) to subsystem foo on behalf of client 7.
//	  → Response: {"ok":true,"subsystem":"foo"}
//
//	{"cmd":"restart","subsystem":"foo"}
//	  → Sends a full Restart to subsystem foo. The subsystem acts on it
//	    only while Broken; in any other state it is ignored.
//	  → Response: {"ok":true,"subsystem":"foo"}
//
//	{"cmd":"restart_processes","subsystem":"foo","processes":["bar"]}
//	  → Sends RestartProcesses(bar) to subsystem foo. Empty processes
//	    restarts every process, under any restart policy. The subsystem
//	    acts on it only while Online.
//	  → Response: {"ok":true,"subsystem":"foo"}
//
//	{"cmd":"status","subsystem":"foo"}
//	  → Returns foo's BuildStatus() snapshot.
//	  → Response: {"ok":true,"status":{...}}
//
//	{"cmd":"list"}
//	  → Returns every registered subsystem's name and oper state.
//	  → Response: {"ok":true,"subsystems":[{"name":"foo","oper":"Online"},...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covers reading the request
//     and writing the response.
//   - change_admin, restart and restart_processes are logged through the
//     structured logger; status and list are not logged.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/subsystem"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Registry is the interface the operator server uses to look up and
// command subsystems. Implemented by internal/registry.Registry.
type Registry interface {
	// Get returns the named subsystem, or (nil, false) if it isn't
	// registered.
	Get(name string) (*subsystem.Subsystem, bool)

	// List returns every registered subsystem's name and current oper
	// state, in registration order.
	List() []SubsystemSummary
}

// SubsystemSummary is a single entry in a list response.
type SubsystemSummary struct {
	Name string `json:"name"`
	Oper string `json:"oper"`
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd       string   `json:"cmd"`                 // change_admin | restart | restart_processes | status | list
	Subsystem string   `json:"subsystem,omitempty"`  // target subsystem name
	Admin     string   `json:"admin,omitempty"`      // Online | Offline, for change_admin
	ClientID  uint32   `json:"client_id,omitempty"`  // requester id; omitted means pipe.NoClient
	Processes []string `json:"processes,omitempty"`  // restrict restart_processes; empty means all
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK         bool               `json:"ok"`
	Error      string             `json:"error,omitempty"`
	Subsystem  string             `json:"subsystem,omitempty"`
	Status     *subsystem.Status  `json:"status,omitempty"`
	Subsystems []SubsystemSummary `json:"subsystems,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   Registry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}

	// Set socket permissions to 0600 (root only).
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		lis.Close()
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	return s.Serve(ctx, lis)
}

// Serve runs the accept loop over a listener the caller already
// created. Used in place of ListenAndServe when the host daemon needs
// to own listener setup itself — in particular tableflip.Listen, whose
// whole point is to hand this same *os.File-backed listener to a new
// binary across a graceful upgrade without dropping an in-flight
// connection. Blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	defer lis.Close()

	s.log.Info("operator socket listening", zap.String("addr", lis.Addr().String()))

	// Close listener on context cancellation.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		// Acquire semaphore (non-blocking; reject if at capacity).
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	// Read request (max maxRequestBytes).
	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "change_admin":
		return s.cmdChangeAdmin(req)
	case "restart":
		return s.cmdRestart(req)
	case "restart_processes":
		return s.cmdRestartProcesses(req)
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) lookup(name string) (*subsystem.Subsystem, error) {
	if name == "" {
		return nil, fmt.Errorf("subsystem required")
	}
	sub, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("subsystem %q not found", name)
	}
	return sub, nil
}

func (s *Server) clientID(req Request) uint32 {
	if req.ClientID == 0 {
		return pipe.NoClient
	}
	return req.ClientID
}

func (s *Server) cmdChangeAdmin(req Request) Response {
	sub, err := s.lookup(req.Subsystem)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	admin, err := parseAdmin(req.Admin)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	sent := sub.Pipe().Send(&pipe.Message{
		Code:     pipe.ChangeAdmin,
		ClientID: s.clientID(req),
		Admin:    admin,
	})
	if !sent {
		return Response{OK: false, Error: "subsystem pipe full or closed"}
	}
	s.log.Info("operator: change_admin", zap.String("subsystem", req.Subsystem), zap.String("admin", req.Admin))
	return Response{OK: true, Subsystem: req.Subsystem}
}

func (s *Server) cmdRestart(req Request) Response {
	sub, err := s.lookup(req.Subsystem)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	sent := sub.Pipe().Send(&pipe.Message{Code: pipe.Restart, ClientID: s.clientID(req)})
	if !sent {
		return Response{OK: false, Error: "subsystem pipe full or closed"}
	}
	s.log.Info("operator: restart", zap.String("subsystem", req.Subsystem))
	return Response{OK: true, Subsystem: req.Subsystem}
}

func (s *Server) cmdRestartProcesses(req Request) Response {
	sub, err := s.lookup(req.Subsystem)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	sent := sub.Pipe().Send(&pipe.Message{
		Code:         pipe.RestartProcesses,
		ClientID:     s.clientID(req),
		ProcessNames: req.Processes,
	})
	if !sent {
		return Response{OK: false, Error: "subsystem pipe full or closed"}
	}
	s.log.Info("operator: restart_processes",
		zap.String("subsystem", req.Subsystem),
		zap.Strings("processes", req.Processes))
	return Response{OK: true, Subsystem: req.Subsystem}
}

func (s *Server) cmdStatus(req Request) Response {
	sub, err := s.lookup(req.Subsystem)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	status := sub.BuildStatus()
	return Response{OK: true, Subsystem: req.Subsystem, Status: &status}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Subsystems: s.registry.List()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseAdmin converts an admin state name string to a pipe.AdminState.
func parseAdmin(name string) (pipe.AdminState, error) {
	switch name {
	case "Online":
		return pipe.AdminOnline, nil
	case "Offline":
		return pipe.AdminOffline, nil
	default:
		return pipe.AdminOffline, fmt.Errorf("unknown admin state %q (valid: Online Offline)", name)
	}
}
