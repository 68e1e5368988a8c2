// Package endpoint implements the runtime's datagram endpoint: a single
// bound UDP socket shared by send and receive. A separate send-only
// socket on a different ephemeral port would defeat hole punching, since
// the source port presented to the remote peer would differ from the one
// STUN measured.
package endpoint

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// State is the endpoint's lifecycle state.
type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Datagram is a single inbound message delivered to the sink.
type Datagram struct {
	Payload    []byte
	SenderIP   net.IP
	SenderPort int
}

// Sink receives every datagram read off the socket, in strict sequential
// order from the single receive goroutine.
type Sink func(Datagram)

const maxDatagramSize = 1500

// pollInterval bounds how long a single ReadFromUDP call blocks before
// re-checking for shutdown; it is not a protocol timeout.
const pollInterval = 500 * time.Millisecond

// Endpoint owns one *net.UDPConn for the lifetime of a bind.
type Endpoint struct {
	mu    sync.RWMutex
	state State
	conn  *net.UDPConn

	localIP   string
	localPort int

	sink Sink
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an endpoint that delivers inbound datagrams to sink.
func New(sink Sink) *Endpoint {
	return &Endpoint{state: Unbound, sink: sink}
}

// Start binds the UDP socket to (localIP, localPort) and spawns the
// receive loop. Fails if the bind fails.
func (e *Endpoint) Start(localIP string, localPort int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Bound {
		return fmt.Errorf("%w: already bound", peer.ErrState)
	}

	addr := &net.UDPAddr{Port: localPort}
	if localIP != "" && localIP != "0.0.0.0" {
		addr.IP = net.ParseIP(localIP)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("endpoint: bind %s:%d: %w", localIP, localPort, err)
	}

	e.conn = conn
	e.localIP = localIP
	e.localPort = localPort
	e.state = Bound
	e.done = make(chan struct{})

	e.wg.Add(1)
	go e.receiveLoop(conn, e.done)

	return nil
}

func (e *Endpoint) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-done:
				return
			default:
				slog.Warn("endpoint: read error", "error", err)
				continue
			}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if e.sink != nil {
			e.sink(Datagram{Payload: payload, SenderIP: addr.IP, SenderPort: addr.Port})
		}
	}
}

// Send transmits a single datagram using the bound socket, so the NAT
// binding that STUN characterized is the one used to send. Fails with the
// transient ErrSendFailed if the send syscall fails, and with ErrState if
// the endpoint is not bound.
func (e *Endpoint) Send(payload []byte, dstIP net.IP, dstPort int) error {
	e.mu.RLock()
	conn, state := e.conn, e.state
	e.mu.RUnlock()

	if state != Bound {
		return fmt.Errorf("%w: send while %s", peer.ErrState, state)
	}

	dst := &net.UDPAddr{IP: dstIP, Port: dstPort}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("%w: send to %s: %v", peer.ErrSendFailed, dst, err)
	}
	return nil
}

// Stop closes the socket, unblocking and terminating the receive loop.
// Idempotent.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	if e.state != Bound {
		e.mu.Unlock()
		return
	}
	e.state = Closed
	conn := e.conn
	done := e.done
	e.mu.Unlock()

	close(done)
	conn.Close()
	e.wg.Wait()
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LocalPort returns the port the endpoint is bound to, or 0 if unbound.
func (e *Endpoint) LocalPort() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != Bound {
		return 0
	}
	return e.localPort
}
