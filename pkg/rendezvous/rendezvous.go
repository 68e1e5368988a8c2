// Package rendezvous implements the peer runtime's state machine: join,
// leave, and the symmetric punch/pong handshake that confirms a NAT
// pinhole has opened in both directions.
//
// The handshake has no initiator/responder asymmetry. Both NATs must
// create an outbound binding before either will accept inbound datagrams,
// so each side keeps emitting punches toward the other's reflexive
// address, and every received punch is answered with a pong regardless of
// who the sender is. Sessions are tracked per target public pair so
// overlapping connect calls toward the same peer share one completion
// signal.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coriolis-labs/peerlink/pkg/endpoint"
	"github.com/coriolis-labs/peerlink/pkg/keepalive"
	"github.com/coriolis-labs/peerlink/pkg/peer"
	"github.com/coriolis-labs/peerlink/pkg/registry"
	"github.com/coriolis-labs/peerlink/pkg/stun"
	"github.com/coriolis-labs/peerlink/pkg/wire"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultPunchAttempts     = 30
	DefaultPunchSpacing      = 1 * time.Second
	DefaultKeepAliveInterval = keepalive.DefaultInterval
	DefaultSTUNTimeout       = 3 * time.Second
)

// Config holds the runtime's external configuration.
type Config struct {
	RegistryURL string
	STUNHost    string
	STUNPort    int

	LocalIP   string
	LocalPort int

	KeepAliveInterval time.Duration
	ConnectTimeout    time.Duration
	PunchAttempts     int
	PunchSpacing      time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PunchAttempts <= 0 {
		c.PunchAttempts = DefaultPunchAttempts
	}
	if c.PunchSpacing <= 0 {
		c.PunchSpacing = DefaultPunchSpacing
	}
	if c.LocalIP == "" {
		c.LocalIP = "0.0.0.0"
	}
}

func (c Config) stunServer() string {
	return fmt.Sprintf("%s:%d", c.STUNHost, c.STUNPort)
}

// Runtime is the peer-runtime state machine: the single entry point for
// join_network, leave_network, and connect_to.
type Runtime struct {
	cfg       Config
	endpoint  *endpoint.Endpoint
	prober    *stun.Prober
	registry  *registry.Client
	keepAlive *keepalive.Loop

	mu     sync.Mutex
	joined bool
	status peer.Status
	self   peer.Peer

	sessionsMu sync.Mutex
	sessions   map[string]*session
}

type session struct {
	target peer.Entry
	done   chan struct{}
	once   sync.Once
	refs   int
}

// New builds a Runtime against cfg. The datagram endpoint is not bound
// until JoinNetwork succeeds.
func New(cfg Config) *Runtime {
	cfg.applyDefaults()
	r := &Runtime{
		cfg:      cfg,
		registry: registry.NewClient(cfg.RegistryURL),
		status:   peer.StatusOff,
		sessions: make(map[string]*session),
	}
	r.endpoint = endpoint.New(r.dispatch)
	r.prober = stun.NewProber(r.endpoint.Send)
	return r
}

// Status returns the runtime's current observable connection status.
func (r *Runtime) Status() peer.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runtime) setStatus(s peer.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Self returns a snapshot of the runtime's own peer record.
func (r *Runtime) Self() peer.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// ListPeers returns every registry entry except this runtime's own. The
// runtime holds no peer list of its own: listing always hits the registry
// and filters out self by public-pair equality.
func (r *Runtime) ListPeers(ctx context.Context) ([]peer.Entry, error) {
	entries, err := r.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}
	self := r.Self()
	out := entries[:0]
	for _, e := range entries {
		if e.PublicIP == self.PublicIP && e.PublicPort == self.PublicPort {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// JoinNetwork discovers this runtime's public pair, inserts it into the
// registry, starts the datagram endpoint, and spawns the keep-alive loop.
// If the endpoint fails to start, the registry insert is rolled back
// (best-effort delete). Idempotent: if already joined, returns success.
func (r *Runtime) JoinNetwork(ctx context.Context) error {
	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	r.status = peer.StatusConnecting
	r.mu.Unlock()

	localPort := r.cfg.LocalPort
	if localPort == 0 {
		// STUN probing and the endpoint must share one source port, so an
		// ephemeral port has to be reserved up front rather than letting
		// each bind pick its own.
		p, err := pickPort(r.cfg.LocalIP)
		if err != nil {
			r.setStatus(peer.StatusError)
			return fmt.Errorf("%w: %v", peer.ErrBindFailed, err)
		}
		localPort = p
	}

	ip, port, err := stun.Probe(r.cfg.stunServer(), localPort, DefaultSTUNTimeout)
	if err != nil {
		r.setStatus(peer.StatusError)
		if errors.Is(err, syscall.EADDRINUSE) {
			// The probe could not bind local_port at all, e.g. a second
			// process already owns it.
			return fmt.Errorf("%w: %v", peer.ErrBindFailed, err)
		}
		return fmt.Errorf("%w: %v", peer.ErrDiscoveryFailed, err)
	}

	self := peer.Peer{
		LocalIP:    r.cfg.LocalIP,
		LocalPort:  localPort,
		PublicIP:   ip.String(),
		PublicPort: port,
	}

	if err := r.registry.Insert(ctx, self.ToEntry()); err != nil {
		r.setStatus(peer.StatusError)
		return fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}

	if err := r.endpoint.Start(self.LocalIP, self.LocalPort); err != nil {
		// Roll back the registry insert; best-effort.
		if delErr := r.registry.Delete(ctx, self.ToEntry()); delErr != nil {
			slog.Warn("rendezvous: rollback delete failed after bind failure", "error", delErr)
		}
		r.setStatus(peer.StatusError)
		return fmt.Errorf("%w: %v", peer.ErrBindFailed, err)
	}

	r.mu.Lock()
	r.self = self
	r.joined = true
	r.status = peer.StatusOn
	r.mu.Unlock()

	r.keepAlive = keepalive.New(r.cfg.KeepAliveInterval, r.keepAliveTick)
	r.keepAlive.Start()

	return nil
}

// LeaveNetwork deletes this runtime's entry from the registry, stops the
// keep-alive loop, and stops the datagram endpoint. Idempotent. The
// endpoint is stopped locally even if the registry delete fails: a
// user-observable "left" takes precedence over server acknowledgement.
func (r *Runtime) LeaveNetwork(ctx context.Context) error {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return nil
	}
	self := r.self
	r.joined = false
	r.mu.Unlock()

	if r.keepAlive != nil {
		r.keepAlive.Stop()
	}

	delErr := r.registry.Delete(ctx, self.ToEntry())
	r.endpoint.Stop()

	r.setStatus(peer.StatusOff)

	if delErr != nil {
		return fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, delErr)
	}
	return nil
}

// ConnectTo performs the punch/pong handshake against target, returning
// once either side's NAT has opened a pinhole (a pong is observed) or
// timeout elapses.
func (r *Runtime) ConnectTo(ctx context.Context, target peer.Entry, timeout time.Duration) error {
	self := r.Self()
	if !self.HasPublicAddr() {
		return fmt.Errorf("%w: local public address not discovered", peer.ErrPreconditionUnmet)
	}
	if target.PublicIP == "" || target.PublicPort == 0 {
		return fmt.Errorf("%w: target missing public address", peer.ErrPreconditionUnmet)
	}
	if r.endpoint.State() != endpoint.Bound {
		return fmt.Errorf("%w: endpoint is not bound", peer.ErrPreconditionUnmet)
	}

	if timeout <= 0 {
		timeout = r.cfg.ConnectTimeout
	}

	r.setStatus(peer.StatusConnecting)

	ctx, span := tracer.Start(ctx, "rendezvous.connect")
	span.SetAttributes(attribute.String("peer.addr", peer.EntryKey(target)))
	defer span.End()

	sess := r.acquireSession(target)
	defer r.releaseSession(target)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dstIP := net.ParseIP(target.PublicIP)
	selfIP := net.ParseIP(self.PublicIP)

	go r.punchSender(ctx, sess, dstIP, target.PublicPort, selfIP, self.PublicPort)

	select {
	case <-sess.done:
		metricConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		r.setStatus(peer.StatusOn)
		return nil
	case <-ctx.Done():
		metricConnects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "timeout")))
		r.setStatus(peer.StatusError)
		return fmt.Errorf("%w: no pong from %s after %s", peer.ErrTimeout, target.PublicIP, timeout)
	}
}

// punchSender emits up to PunchAttempts punch datagrams toward the
// target, spaced PunchSpacing apart, stopping early if the session
// completes or ctx is cancelled.
func (r *Runtime) punchSender(ctx context.Context, sess *session, dstIP net.IP, dstPort int, selfIP net.IP, selfPort int) {
	payload := wire.EncodePunch(selfIP, selfPort)

	metricPunchesSent.Add(ctx, 1)
	if err := r.endpoint.Send(payload, dstIP, dstPort); err != nil {
		slog.Warn("rendezvous: punch send failed, continuing", "error", err)
	}

	ticker := time.NewTicker(r.cfg.PunchSpacing)
	defer ticker.Stop()

	for attempt := 1; attempt < r.cfg.PunchAttempts; attempt++ {
		select {
		case <-sess.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			metricPunchesSent.Add(ctx, 1)
			if err := r.endpoint.Send(payload, dstIP, dstPort); err != nil {
				slog.Warn("rendezvous: punch send failed, continuing", "error", err)
			}
		}
	}
}

// dispatch is the datagram endpoint's sink: it runs strictly sequentially
// on the single receive goroutine.
func (r *Runtime) dispatch(d endpoint.Datagram) {
	if r.prober.Deliver(d.Payload) {
		return
	}

	switch {
	case wire.IsPong(d.Payload):
		r.completeSession(peer.Entry{PublicIP: d.SenderIP.String(), PublicPort: d.SenderPort})

	default:
		if _, ok := wire.ParsePunch(d.Payload); ok {
			// Reply unconditionally to the observed source, not the
			// address parsed from the payload (they should agree, but
			// the observed source is authoritative for return routing).
			metricPongsSent.Add(context.Background(), 1)
			if err := r.endpoint.Send([]byte(wire.PongPayload), d.SenderIP, d.SenderPort); err != nil {
				slog.Warn("rendezvous: pong send failed, continuing", "error", err)
			}
			return
		}
		slog.Info("rendezvous: dropping unrecognized datagram", "from", d.SenderIP, "len", len(d.Payload))
	}
}

// pickPort reserves an ephemeral UDP port by binding and immediately
// releasing it.
func pickPort(localIP string) (int, error) {
	addr := &net.UDPAddr{}
	if localIP != "" && localIP != "0.0.0.0" {
		addr.IP = net.ParseIP(localIP)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port, nil
}

func (r *Runtime) acquireSession(target peer.Entry) *session {
	key := peer.EntryKey(target)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sess, ok := r.sessions[key]
	if !ok {
		sess = &session{target: target, done: make(chan struct{})}
		r.sessions[key] = sess
	}
	sess.refs++
	return sess
}

func (r *Runtime) releaseSession(target peer.Entry) {
	key := peer.EntryKey(target)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sess, ok := r.sessions[key]
	if !ok {
		return
	}
	sess.refs--
	if sess.refs <= 0 {
		delete(r.sessions, key)
	}
}

// completeSession signals every outstanding connect call toward the peer
// whose public pair matches source: any pong completes every session
// toward that peer.
func (r *Runtime) completeSession(source peer.Entry) {
	key := peer.EntryKey(source)

	r.sessionsMu.Lock()
	sess, ok := r.sessions[key]
	r.sessionsMu.Unlock()
	if !ok {
		return
	}
	sess.once.Do(func() { close(sess.done) })
}

// keepAliveTick re-probes STUN, pushes any reflexive-address change to
// the registry, and rebinds the endpoint when the NAT remapped the
// source port.
func (r *Runtime) keepAliveTick(ctx context.Context) error {
	self := r.Self()

	ip, port, err := r.prober.Discover(r.cfg.stunServer(), DefaultSTUNTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", peer.ErrDiscoveryFailed, err)
	}

	if ip.String() == self.PublicIP && port == self.PublicPort {
		return nil
	}

	updated := self
	updated.PublicIP = ip.String()
	updated.PublicPort = port

	if err := r.registry.UpdateWithRetry(ctx, updated.ToEntry(), r.cfg.KeepAliveInterval); err != nil {
		return fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}

	if port != self.LocalPort {
		// The NAT binding has shifted: stop, rebind to the observed
		// port, and restart. In-flight connect_to calls are not
		// aborted; subsequent sends simply originate from the new port
		// once the endpoint is rebound.
		metricRebinds.Add(ctx, 1)
		r.endpoint.Stop()
		updated.LocalPort = port
		if err := r.endpoint.Start(updated.LocalIP, updated.LocalPort); err != nil {
			return fmt.Errorf("%w: %v", peer.ErrBindFailed, err)
		}
	}

	r.mu.Lock()
	r.self = updated
	r.mu.Unlock()

	return nil
}
