package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// Backend is the set of rendezvous.Runtime operations the control-plane
// socket exposes. Defined as an interface (rather than depending on
// *rendezvous.Runtime directly) so the server can be tested against a
// fake without standing up real STUN/registry infrastructure.
type Backend interface {
	Status() peer.Status
	Self() peer.Peer
	ListPeers(ctx context.Context) ([]peer.Entry, error)
	JoinNetwork(ctx context.Context) error
	LeaveNetwork(ctx context.Context) error
	ConnectTo(ctx context.Context, target peer.Entry, timeout time.Duration) error
}

// ServerConfig configures the control-plane RPC server.
type ServerConfig struct {
	SocketPath string
	Backend    Backend
}

// Server implements the control-plane protocol over a Unix domain socket.
type Server struct {
	socketPath string
	backend    Backend
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer builds a Server listening on config.SocketPath once Start is
// called.
func NewServer(config ServerConfig) (*Server, error) {
	if _, err := os.Stat(config.SocketPath); err == nil {
		if err := os.Remove(config.SocketPath); err != nil {
			return nil, fmt.Errorf("rpc: remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(config.SocketPath), 0755); err != nil {
		return nil, fmt.Errorf("rpc: create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: config.SocketPath,
		backend:    config.Backend,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("rpc: set socket permissions: %w", err)
	}
	s.listener = listener

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rpc: remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("rpc: accept error", "error", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.writeResponse(writer, &Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("parse request: %v", err)},
			})
			continue
		}
		s.writeResponse(writer, s.handleRequest(&req))
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("rpc: connection error", "error", err)
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("rpc: encode response failed", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Warn("rpc: write response failed", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		slog.Warn("rpc: flush response failed", "error", err)
	}
}

func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: ErrCodeInvalidRequest, Message: "invalid jsonrpc version, must be 2.0"}
		return resp
	}

	ctx := s.ctx
	switch req.Method {
	case "join":
		if err := s.backend.JoinNetwork(ctx); err != nil {
			resp.Error = &Error{Code: ErrCodeInternalError, Message: err.Error()}
		} else {
			resp.Result = map[string]bool{"joined": true}
		}

	case "leave":
		if err := s.backend.LeaveNetwork(ctx); err != nil {
			resp.Error = &Error{Code: ErrCodeInternalError, Message: err.Error()}
		} else {
			resp.Result = map[string]bool{"left": true}
		}

	case "status":
		resp.Result = s.handleStatus()

	case "peers.list":
		result, rpcErr := s.handlePeersList(ctx)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}

	case "connect":
		result, rpcErr := s.handleConnect(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}

	default:
		resp.Error = &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (s *Server) handleStatus() StatusResult {
	self := s.backend.Self()
	return StatusResult{
		Status:     string(s.backend.Status()),
		PublicIP:   self.PublicIP,
		PublicPort: self.PublicPort,
		LocalPort:  self.LocalPort,
	}
}

func (s *Server) handlePeersList(ctx context.Context) (*PeersListResult, *Error) {
	entries, err := s.backend.ListPeers(ctx)
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	self := s.backend.Self()
	result := &PeersListResult{
		Peers: make([]PeerInfo, 0, len(entries)),
		Self:  PeerInfo{PublicIP: self.PublicIP, PublicPort: self.PublicPort},
	}
	for _, e := range entries {
		if e.PublicIP == self.PublicIP && e.PublicPort == self.PublicPort {
			continue
		}
		result.Peers = append(result.Peers, PeerInfo{PublicIP: e.PublicIP, PublicPort: e.PublicPort})
	}
	return result, nil
}

// GetSocketPath determines the appropriate control socket path.
func GetSocketPath() string {
	// Check environment variable first
	if path := os.Getenv("PEERLINK_SOCKET"); path != "" {
		return path
	}

	// Try /var/run (requires root)
	if isWritable("/var/run") {
		return "/var/run/peerlink.sock"
	}

	// Fallback to XDG_RUNTIME_DIR for non-root
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "peerlink.sock")
	}

	// Last resort: /tmp
	return "/tmp/peerlink.sock"
}

// isWritable checks if a directory is writable.
func isWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(path, ".peerlink-*")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}

func (s *Server) handleConnect(ctx context.Context, params map[string]interface{}) (*ConnectResult, *Error) {
	ip, _ := params["public_ip"].(string)
	portF, _ := params["public_port"].(float64)
	if ip == "" || portF == 0 {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing public_ip/public_port"}
	}
	timeout := 30 * time.Second
	if msF, ok := params["timeout_ms"].(float64); ok && msF > 0 {
		timeout = time.Duration(msF) * time.Millisecond
	}

	target := peer.Entry{PublicIP: ip, PublicPort: int(portF)}
	if err := s.backend.ConnectTo(ctx, target, timeout); err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	return &ConnectResult{Connected: true}, nil
}
