// Package bootstrap implements an optional, strictly additive way to seed
// candidate peer addresses before a freshly started signaling registry has
// any entries of its own. It never replaces the registry: the registry
// remains the sole source of truth for rendezvous; this package only
// widens the set of addresses offered to the first listing.
//
// A BitTorrent Mainline DHT server is bootstrapped against the well-known
// public router nodes, announcing and querying under an infohash derived
// from a shared network name.
package bootstrap

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// BootstrapNodes lists well-known public BitTorrent DHT routers, used only
// to join the DHT swarm; no BitTorrent traffic is exchanged.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// BootstrapTimeout bounds how long Start waits for the DHT routing table
// to populate before giving up and returning without candidates.
const BootstrapTimeout = 10 * time.Second

// Seeder discovers candidate peer addresses via the BitTorrent DHT,
// keyed by a shared network name, to offer as peers when the registry
// listing comes back empty.
type Seeder struct {
	infohash [20]byte

	mu      sync.Mutex
	server  *dht.Server
	running bool
}

// infohashForNetwork derives a 20-byte BitTorrent infohash from a
// human-readable network name, the same way dht.go derives one from a
// mesh's network ID: any stable identifier works, since it is never
// compared against a real BitTorrent info dictionary.
func infohashForNetwork(name string) [20]byte {
	return sha1.Sum([]byte("peerlink-rendezvous:" + name))
}

// NewSeeder builds a Seeder scoped to networkName. Two runtimes configured
// with the same networkName discover each other's candidate addresses
// through the DHT; different names never collide.
func NewSeeder(networkName string) *Seeder {
	return &Seeder{infohash: infohashForNetwork(networkName)}
}

// Start binds a DHT server and bootstraps its routing table against the
// well-known public routers. Returns once nodes are found or
// BootstrapTimeout elapses; the latter is not an error, since a seeder
// with an empty routing table degrades to "no candidates," never to a
// hard failure of JoinNetwork.
func (s *Seeder) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("bootstrap: bind DHT socket: %w", err)
	}

	var bootstrapAddrs []dht.Addr
	for _, node := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			slog.Warn("bootstrap: resolve DHT router failed", "node", node, "error", err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return fmt.Errorf("bootstrap: no DHT routers resolved")
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bootstrap: start DHT server: %w", err)
	}
	s.server = server
	s.running = true

	bctx, cancel := context.WithTimeout(ctx, BootstrapTimeout)
	defer cancel()

	ann, err := server.Announce(s.infohash, 0, false)
	if err == nil {
		go func() {
			defer ann.Close()
			for {
				select {
				case <-bctx.Done():
					return
				case _, ok := <-ann.Peers:
					if !ok {
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		select {
		case <-bctx.Done():
			slog.Warn("bootstrap: DHT bootstrap timed out", "nodes", server.NumNodes())
			return nil
		default:
		}
		if server.NumNodes() > 0 {
			slog.Info("bootstrap: DHT routing table populated", "nodes", server.NumNodes())
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	return nil
}

// Stop closes the DHT server. Idempotent.
func (s *Seeder) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.server.Close()
	s.running = false
}

// Candidates queries the DHT swarm for peer addresses announced under the
// seeder's infohash and returns them as registry entries. Best-effort:
// an error or an empty DHT routing table yields zero candidates, never a
// failure that blocks JoinNetwork.
func (s *Seeder) Candidates(ctx context.Context, timeout time.Duration) []peer.Entry {
	s.mu.Lock()
	server := s.server
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	peers, err := server.Announce(s.infohash, 0, false)
	if err != nil {
		slog.Warn("bootstrap: query failed", "error", err)
		return nil
	}
	defer peers.Close()

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var found []peer.Entry
	for {
		select {
		case <-qctx.Done():
			return found
		case addrs, ok := <-peers.Peers:
			if !ok {
				return found
			}
			for _, a := range addrs.Peers {
				entry := peer.Entry{PublicIP: a.IP.String(), PublicPort: a.Port}
				if err := entry.Validate(); err == nil {
					found = append(found, entry)
				}
			}
		}
	}
}
