// peer is the peerlink runtime: it discovers its own reflexive address
// via STUN, registers it with the signaling registry, and punches NAT
// pinholes toward other registered peers on demand.
//
// The daemon subcommand runs the long-lived runtime and exposes its
// operations over a Unix domain control socket; the other subcommands are
// thin clients of that socket.
//
// Usage:
//
//	peer daemon -registry http://reg.example.com:8080 -port 40000
//	peer join
//	peer connect 203.0.113.7:40001 -timeout 10s
//	peer peers list
//	peer status
//	peer leave
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coriolis-labs/peerlink/pkg/bootstrap"
	"github.com/coriolis-labs/peerlink/pkg/logging"
	"github.com/coriolis-labs/peerlink/pkg/peer"
	"github.com/coriolis-labs/peerlink/pkg/rendezvous"
	"github.com/coriolis-labs/peerlink/pkg/rpc"
	"github.com/coriolis-labs/peerlink/pkg/stun"
	"github.com/coriolis-labs/peerlink/pkg/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("peerlink " + version)
			return
		}
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("peerlink " + version)
			return
		case "daemon":
			daemonCmd()
			return
		case "join":
			joinCmd()
			return
		case "leave":
			leaveCmd()
			return
		case "connect":
			connectCmd()
			return
		case "status":
			statusCmd()
			return
		case "peers":
			peersCmd()
			return
		}
	}

	fmt.Fprintln(os.Stderr, "Usage: peer <daemon|join|leave|connect|status|peers|version>")
	os.Exit(1)
}

func daemonCmd() {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	registryURL := fs.String("registry", "", "Signaling registry base URL (required)")
	stunHost := fs.String("stun-host", "stun.l.google.com", "STUN server host")
	stunPort := fs.Int("stun-port", 19302, "STUN server port")
	localIP := fs.String("ip", "0.0.0.0", "Local bind IP")
	localPort := fs.Int("port", 0, "Local bind port (0 picks an ephemeral port)")
	keepAlive := fs.Duration("keepalive", rendezvous.DefaultKeepAliveInterval, "Keep-alive interval")
	connectTimeout := fs.Duration("connect-timeout", rendezvous.DefaultConnectTimeout, "Default connect timeout")
	punchAttempts := fs.Int("punch-attempts", rendezvous.DefaultPunchAttempts, "Punch datagrams per connect attempt")
	punchSpacing := fs.Duration("punch-spacing", rendezvous.DefaultPunchSpacing, "Delay between punch datagrams")
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	network := fs.String("network", "", "DHT bootstrap network name (empty disables DHT seeding)")
	autoJoin := fs.Bool("join", false, "Join the network immediately on startup")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.Parse(os.Args[2:])

	if *registryURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -registry is required")
		fmt.Fprintln(os.Stderr, "Usage: peer daemon -registry <URL> [-port N] [...]")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The daemon exports all three signals; the registry binary only
	// exports logs.
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Service: "peerlink-peer",
		Version: version,
		Traces:  true,
		Metrics: true,
		Logs:    true,
	})
	defer tel.Shutdown(context.Background())
	if err != nil {
		slog.Warn("daemon: telemetry degraded, continuing", "error", err)
	}
	logging.Configure(*logLevel, tel.LogHandlers()...)

	rt := rendezvous.New(rendezvous.Config{
		RegistryURL:       *registryURL,
		STUNHost:          *stunHost,
		STUNPort:          *stunPort,
		LocalIP:           *localIP,
		LocalPort:         *localPort,
		KeepAliveInterval: *keepAlive,
		ConnectTimeout:    *connectTimeout,
		PunchAttempts:     *punchAttempts,
		PunchSpacing:      *punchSpacing,
	})

	var backend rpc.Backend = rt
	var seeder *bootstrap.Seeder
	if *network != "" {
		seeder = bootstrap.NewSeeder(*network)
		if err := seeder.Start(ctx); err != nil {
			slog.Warn("daemon: DHT seeding unavailable", "error", err)
			seeder = nil
		} else {
			defer seeder.Stop()
			backend = &seededBackend{Runtime: rt, seeder: seeder}
		}
	}

	sock := *socketPath
	if sock == "" {
		sock = rpc.GetSocketPath()
	}
	server, err := rpc.NewServer(rpc.ServerConfig{SocketPath: sock, Backend: backend})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create control socket: %v\n", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start control socket: %v\n", err)
		os.Exit(1)
	}
	defer server.Stop()
	slog.Info("daemon: control socket ready", "path", sock)

	// Diagnostic only: a symmetric NAT means hole punching toward third
	// parties is unreliable, which is worth knowing before the first
	// failed connect.
	primary := fmt.Sprintf("%s:%d", *stunHost, *stunPort)
	if natType, extIP, extPort, err := stun.DetectNATType(primary, stun.DefaultServers[1], 0, 3*time.Second); err == nil {
		slog.Info("daemon: NAT classification",
			"type", string(natType),
			"external", fmt.Sprintf("%s:%d", extIP, extPort))
	} else {
		slog.Warn("daemon: NAT classification unavailable", "error", err)
	}

	if *autoJoin {
		if err := rt.JoinNetwork(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to join network: %v\n", err)
			os.Exit(1)
		}
		self := rt.Self()
		slog.Info("daemon: joined network",
			"public", fmt.Sprintf("%s:%d", self.PublicIP, self.PublicPort),
			"local_port", self.LocalPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("daemon: shutting down", "signal", sig.String())

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer leaveCancel()
	if err := rt.LeaveNetwork(leaveCtx); err != nil {
		slog.Warn("daemon: leave on shutdown failed", "error", err)
	}
}

// seededBackend widens ListPeers with DHT-discovered candidates when the
// registry has no entries yet. The registry stays authoritative: as soon
// as it returns anything, DHT candidates are ignored.
type seededBackend struct {
	*rendezvous.Runtime
	seeder *bootstrap.Seeder
}

func (b *seededBackend) ListPeers(ctx context.Context) ([]peer.Entry, error) {
	entries, err := b.Runtime.ListPeers(ctx)
	if err != nil || len(entries) > 0 {
		return entries, err
	}

	self := b.Runtime.Self()
	for _, c := range b.seeder.Candidates(ctx, 5*time.Second) {
		if c.PublicIP == self.PublicIP && c.PublicPort == self.PublicPort {
			continue
		}
		entries = append(entries, c)
	}
	return entries, nil
}

func dialDaemon(socketPath string) *rpc.Client {
	sock := socketPath
	if sock == "" {
		sock = rpc.GetSocketPath()
	}
	client, err := rpc.NewClient(sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Is the peer daemon running?")
		fmt.Fprintln(os.Stderr, "  Start with: peer daemon -registry <URL>")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", sock)
		os.Exit(1)
	}
	return client
}

func joinCmd() {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	fs.Parse(os.Args[2:])

	client := dialDaemon(*socketPath)
	defer client.Close()

	if err := client.Call("join", nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Join failed: %v\n", err)
		os.Exit(1)
	}

	var status rpc.StatusResult
	if err := client.Call("status", nil, &status); err == nil {
		fmt.Printf("Joined. Public address: %s:%d (local port %d)\n",
			status.PublicIP, status.PublicPort, status.LocalPort)
	} else {
		fmt.Println("Joined.")
	}
}

func leaveCmd() {
	fs := flag.NewFlagSet("leave", flag.ExitOnError)
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	fs.Parse(os.Args[2:])

	client := dialDaemon(*socketPath)
	defer client.Close()

	if err := client.Call("leave", nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Leave failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Left the network.")
}

func connectCmd() {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	timeout := fs.Duration("timeout", 30*time.Second, "Rendezvous timeout")

	// Accept "peer connect <ip:port> [flags]" and "peer connect [flags] <ip:port>"
	args := os.Args[2:]
	var target string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		target, args = args[0], args[1:]
	}
	fs.Parse(args)
	if target == "" {
		target = fs.Arg(0)
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "Usage: peer connect <public_ip:port> [-timeout 30s]")
		os.Exit(1)
	}

	host, portText, err := net.SplitHostPort(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid target %q: %v\n", target, err)
		os.Exit(1)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid port %q\n", portText)
		os.Exit(1)
	}

	client := dialDaemon(*socketPath)
	defer client.Close()

	params := map[string]interface{}{
		"public_ip":   host,
		"public_port": port,
		"timeout_ms":  int(timeout.Milliseconds()),
	}
	var result rpc.ConnectResult
	if err := client.Call("connect", params, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connected to %s\n", target)
}

func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	fs.Parse(os.Args[2:])

	client := dialDaemon(*socketPath)
	defer client.Close()

	var status rpc.StatusResult
	if err := client.Call("status", nil, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Status: %s\n", status.Status)
	if status.PublicIP != "" {
		fmt.Printf("Public address: %s:%d\n", status.PublicIP, status.PublicPort)
		fmt.Printf("Local port: %d\n", status.LocalPort)
	}
}

func peersCmd() {
	if len(os.Args) < 3 || os.Args[2] != "list" {
		fmt.Fprintln(os.Stderr, "Usage: peer peers list")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("peers list", flag.ExitOnError)
	socketPath := fs.String("socket", "", "Control socket path (default: auto)")
	fs.Parse(os.Args[3:])

	client := dialDaemon(*socketPath)
	defer client.Close()

	var result rpc.PeersListResult
	if err := client.Call("peers.list", nil, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Peers list failed: %v\n", err)
		os.Exit(1)
	}

	if len(result.Peers) == 0 {
		fmt.Println("No other peers registered.")
		return
	}
	for _, p := range result.Peers {
		fmt.Printf("%s:%d\n", p.PublicIP, p.PublicPort)
	}
}
