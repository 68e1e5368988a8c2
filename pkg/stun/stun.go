// Package stun implements a minimal RFC 5389 STUN Binding client used to
// discover a peer's server-reflexive (public) address.
//
// Two entry points exist because the peer runtime uses STUN two different
// ways. During join, no socket is bound yet, so Probe opens a private,
// short-lived socket pinned to the runtime's local_port (invariant P1).
// During keep-alive re-probing, the runtime already owns the datagram
// endpoint's socket, and binding a second socket to the same port would
// fail; Prober.Discover/Deliver instead rides the already-open connection,
// with the endpoint's receive dispatcher routing anything that looks like
// a STUN response to the waiting prober instead of the rendezvous engine.
package stun

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var stunTracer = otel.Tracer("peerlink.stun")

// Binding request/response constants, RFC 5389 section 6.
const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	headerSize      = 20

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

// DefaultServers lists public STUN servers tried in order until one answers.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// TransactionID is the 12-byte STUN transaction identifier.
type TransactionID [12]byte

// buildBindingRequest returns a minimal 20-byte Binding Request with no
// attributes and a fresh random transaction ID.
func buildBindingRequest() ([]byte, TransactionID) {
	req := make([]byte, headerSize)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	var txn TransactionID
	rand.Read(req[8:20])
	copy(txn[:], req[8:20])
	return req, txn
}

// LooksLikeResponse reports whether data could plausibly be parsed as a
// STUN Binding Response: it is used by the datagram endpoint's dispatcher
// to route inbound packets between the rendezvous engine (ASCII punch/pong)
// and an outstanding STUN probe (binary, magic-cookie-tagged).
func LooksLikeResponse(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	if binary.BigEndian.Uint16(data[0:2]) != bindingResponse {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == magicCookie
}

// ParseBindingResponse extracts the reflexive address from a Binding
// Response, validating the transaction ID against txn. It prefers
// XOR-MAPPED-ADDRESS and falls back to MAPPED-ADDRESS.
func ParseBindingResponse(data []byte, txn TransactionID) (net.IP, int, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("stun: response too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != bindingResponse {
		return nil, 0, fmt.Errorf("stun: unexpected message type")
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, 0, fmt.Errorf("stun: invalid magic cookie")
	}
	var respTxn TransactionID
	copy(respTxn[:], data[8:20])
	if respTxn != txn {
		return nil, 0, fmt.Errorf("stun: transaction ID mismatch")
	}

	attrLen := int(binary.BigEndian.Uint16(data[2:4]))
	if attrLen > len(data)-headerSize {
		return nil, 0, fmt.Errorf("stun: attribute length %d exceeds data", attrLen)
	}
	attrs := data[headerSize : headerSize+attrLen]

	var mappedIP net.IP
	var mappedPort int
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if 4+valLen > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case attrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txn); err == nil {
				return ip, port, nil
			}
		case attrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("stun: no mapped address in response")
}

func parseXORMappedAddress(val []byte, txn TransactionID) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]) ^ uint16(magicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txn[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS IPv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS IPv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// Probe opens a private UDP socket pinned to localPort, sends a Binding
// Request to server, and returns the reflexive address. Used only before
// the runtime's datagram endpoint is bound (invariant P1: the same port
// is reused for the endpoint once discovery succeeds).
func Probe(server string, localPort int, timeout time.Duration) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: resolve server %q: %w", server, err)
	}

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: bind local socket: %w", err)
	}
	defer conn.Close()

	req, txn := buildBindingRequest()
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("stun: send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: read response: %w", err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("stun: response from unexpected sender %v", sender)
	}
	return ParseBindingResponse(buf[:n], txn)
}

// DiscoverAny tries each of DefaultServers in turn and returns the first
// successful reflexive address.
func DiscoverAny(localPort int, timeout time.Duration) (net.IP, int, error) {
	var lastErr error
	for _, server := range DefaultServers {
		ip, port, err := Probe(server, localPort, timeout)
		if err == nil {
			return ip, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("stun: all servers failed: %w", lastErr)
}

// NATType classifies the NAT behavior observed via STUN: read-only
// diagnostic information, never an input to the rendezvous handshake
// itself.
type NATType string

const (
	// NATUnknown means only one STUN server responded; can't classify.
	NATUnknown NATType = "unknown"
	// NATCone means both servers saw the same external IP:port
	// (endpoint-independent mapping). Hole-punching works reliably.
	NATCone NATType = "cone"
	// NATSymmetric means the servers saw different external mappings
	// (endpoint-dependent). Hole-punching against a third party is
	// unreliable.
	NATSymmetric NATType = "symmetric"
)

// DetectNATType queries two STUN servers from the same local socket and
// compares the reflected addresses. Same IP:port from both means Cone;
// a different IP or port means Symmetric; only one response means
// Unknown. Returns an error only if both queries fail.
func DetectNATType(server1, server2 string, localPort int, timeout time.Duration) (NATType, net.IP, int, error) {
	_, span := stunTracer.Start(context.Background(), "stun.detect_nat_type")
	defer span.End()

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return "", nil, 0, fmt.Errorf("stun: bind local socket: %w", err)
	}
	defer conn.Close()

	ip1, port1, err1 := probeOnConn(conn, server1, timeout)
	ip2, port2, err2 := probeOnConn(conn, server2, timeout)

	if err1 != nil && err2 != nil {
		return "", nil, 0, fmt.Errorf("stun: both servers failed: %v; %v", err1, err2)
	}

	classified := func(t NATType, ip net.IP, port int) (NATType, net.IP, int, error) {
		span.SetAttributes(
			attribute.String("nat.type", string(t)),
			attribute.String("external.addr", fmt.Sprintf("%s:%d", ip, port)),
		)
		return t, ip, port, nil
	}
	if err1 != nil {
		return classified(NATUnknown, ip2, port2)
	}
	if err2 != nil {
		return classified(NATUnknown, ip1, port1)
	}
	if ip1.Equal(ip2) && port1 == port2 {
		return classified(NATCone, ip1, port1)
	}
	return classified(NATSymmetric, ip1, port1)
}

// probeOnConn sends a Binding Request to server over an already-bound
// conn and waits for a matching response, the single-socket variant of
// Probe used by DetectNATType so both queries share one source port.
func probeOnConn(conn *net.UDPConn, server string, timeout time.Duration) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: resolve server %q: %w", server, err)
	}

	req, txn := buildBindingRequest()
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("stun: send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: read response: %w", err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("stun: response from unexpected sender %v", sender)
	}
	return ParseBindingResponse(buf[:n], txn)
}

// Prober coordinates STUN probing over an already-bound datagram socket,
// for use once the runtime's endpoint owns local_port exclusively. The
// endpoint's receive dispatcher must call Deliver for every inbound
// datagram that stun.LooksLikeResponse reports true for.
type Prober struct {
	send func(payload []byte, dstIP net.IP, dstPort int) error

	mu      sync.Mutex
	pending map[TransactionID]chan response
}

type response struct {
	ip   net.IP
	port int
}

// NewProber builds a Prober that transmits Binding Requests through send,
// typically the owning endpoint's Send method.
func NewProber(send func(payload []byte, dstIP net.IP, dstPort int) error) *Prober {
	return &Prober{
		send:    send,
		pending: make(map[TransactionID]chan response),
	}
}

// Discover sends a Binding Request to server and waits up to timeout for a
// matching response delivered via Deliver.
func (p *Prober) Discover(server string, timeout time.Duration) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: resolve server %q: %w", server, err)
	}

	req, txn := buildBindingRequest()
	ch := make(chan response, 1)

	p.mu.Lock()
	p.pending[txn] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, txn)
		p.mu.Unlock()
	}()

	if err := p.send(req, raddr.IP, raddr.Port); err != nil {
		return nil, 0, fmt.Errorf("stun: send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp.ip, resp.port, nil
	case <-time.After(timeout):
		return nil, 0, fmt.Errorf("stun: timed out waiting for response from %s", server)
	}
}

// Deliver hands an inbound datagram to the prober. It returns true if the
// datagram was a STUN response matching an outstanding Discover call (and
// was therefore consumed); false means the caller should dispatch the
// datagram elsewhere.
func (p *Prober) Deliver(data []byte) bool {
	if !LooksLikeResponse(data) {
		return false
	}
	var txn TransactionID
	copy(txn[:], data[8:20])

	p.mu.Lock()
	ch, ok := p.pending[txn]
	p.mu.Unlock()
	if !ok {
		return true // still a STUN packet, just not one we're waiting on
	}

	ip, port, err := ParseBindingResponse(data, txn)
	if err != nil {
		return true
	}
	select {
	case ch <- response{ip: ip, port: port}:
	default:
	}
	return true
}
