package rpc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

type fakeBackend struct {
	status      peer.Status
	self        peer.Peer
	peers       []peer.Entry
	peersErr    error
	joinErr     error
	leaveErr    error
	connectErr  error
	lastConnect peer.Entry
	lastTimeout time.Duration
}

func (f *fakeBackend) Status() peer.Status { return f.status }
func (f *fakeBackend) Self() peer.Peer     { return f.self }

func (f *fakeBackend) ListPeers(ctx context.Context) ([]peer.Entry, error) {
	return f.peers, f.peersErr
}

func (f *fakeBackend) JoinNetwork(ctx context.Context) error  { return f.joinErr }
func (f *fakeBackend) LeaveNetwork(ctx context.Context) error { return f.leaveErr }

func (f *fakeBackend) ConnectTo(ctx context.Context, target peer.Entry, timeout time.Duration) error {
	f.lastConnect = target
	f.lastTimeout = timeout
	return f.connectErr
}

func newTestServer(t *testing.T, backend Backend) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "peerlink.sock")
	srv, err := NewServer(ServerConfig{SocketPath: socketPath, Backend: backend})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, socketPath
}

func TestServerStatus(t *testing.T) {
	backend := &fakeBackend{
		status: peer.StatusOn,
		self:   peer.Peer{PublicIP: "203.0.113.5", PublicPort: 41000, LocalPort: 55000},
	}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	var result StatusResult
	if err := client.Call("status", nil, &result); err != nil {
		t.Fatalf("Call(status): %v", err)
	}
	if result.Status != "on" || result.PublicIP != "203.0.113.5" || result.PublicPort != 41000 {
		t.Fatalf("result = %+v", result)
	}
}

func TestServerPeersListFiltersSelf(t *testing.T) {
	self := peer.Entry{PublicIP: "203.0.113.5", PublicPort: 41000}
	other := peer.Entry{PublicIP: "198.51.100.9", PublicPort: 9100}
	backend := &fakeBackend{
		self:  peer.Peer{PublicIP: self.PublicIP, PublicPort: self.PublicPort},
		peers: []peer.Entry{self, other},
	}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	var result PeersListResult
	if err := client.Call("peers.list", nil, &result); err != nil {
		t.Fatalf("Call(peers.list): %v", err)
	}
	if len(result.Peers) != 1 || result.Peers[0].PublicIP != other.PublicIP {
		t.Fatalf("peers = %+v", result.Peers)
	}
	if result.Self.PublicIP != self.PublicIP {
		t.Fatalf("self = %+v", result.Self)
	}
}

func TestServerConnect(t *testing.T) {
	backend := &fakeBackend{}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	var result ConnectResult
	params := map[string]interface{}{"public_ip": "198.51.100.9", "public_port": float64(9100), "timeout_ms": float64(5000)}
	if err := client.Call("connect", params, &result); err != nil {
		t.Fatalf("Call(connect): %v", err)
	}
	if !result.Connected {
		t.Fatalf("result.Connected = false")
	}
	if backend.lastConnect.PublicIP != "198.51.100.9" || backend.lastConnect.PublicPort != 9100 {
		t.Fatalf("backend saw target = %+v", backend.lastConnect)
	}
	if backend.lastTimeout != 5*time.Second {
		t.Fatalf("backend saw timeout = %v", backend.lastTimeout)
	}
}

func TestServerConnectMissingParams(t *testing.T) {
	backend := &fakeBackend{}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	var result ConnectResult
	err = client.Call("connect", map[string]interface{}{}, &result)
	if err == nil {
		t.Fatalf("expected error for missing params")
	}
}

func TestServerMethodNotFound(t *testing.T) {
	backend := &fakeBackend{}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	err = client.Call("bogus", nil, nil)
	if err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestServerJoinLeaveErrors(t *testing.T) {
	backend := &fakeBackend{joinErr: errors.New("stun unreachable"), leaveErr: errors.New("registry unavailable")}
	_, socketPath := newTestServer(t, backend)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Call("join", nil, nil); err == nil {
		t.Fatalf("expected join error")
	}
	if err := client.Call("leave", nil, nil); err == nil {
		t.Fatalf("expected leave error")
	}
}
