package stun

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// encodeXORMappedAddress builds a minimal XOR-MAPPED-ADDRESS attribute
// (family, port, ipv4 address) for a synthetic Binding Response.
func encodeXORMappedAddress(ip net.IP, port int, txn TransactionID) []byte {
	v4 := ip.To4()
	attr := make([]byte, 8)
	attr[0] = 0x00
	attr[1] = 0x01 // IPv4
	binary.BigEndian.PutUint16(attr[2:4], uint16(port)^uint16(magicCookie>>16))

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	for i := 0; i < 4; i++ {
		attr[4+i] = v4[i] ^ cookieBytes[i]
	}
	return attr
}

func buildResponse(txn TransactionID, ip net.IP, port int) []byte {
	xored := encodeXORMappedAddress(ip, port, txn)

	attrHeader := make([]byte, 4)
	binary.BigEndian.PutUint16(attrHeader[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attrHeader[2:4], uint16(len(xored)))

	msg := make([]byte, headerSize)
	binary.BigEndian.PutUint16(msg[0:2], bindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attrHeader)+len(xored)))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txn[:])
	msg = append(msg, attrHeader...)
	msg = append(msg, xored...)
	return msg
}

func TestParseBindingResponseXORMapped(t *testing.T) {
	_, txn := buildBindingRequest()
	wantIP := net.ParseIP("203.0.113.42").To4()
	wantPort := 51820

	resp := buildResponse(txn, wantIP, wantPort)

	ip, port, err := ParseBindingResponse(resp, txn)
	if err != nil {
		t.Fatalf("ParseBindingResponse: %v", err)
	}
	if !ip.Equal(wantIP) || port != wantPort {
		t.Errorf("ParseBindingResponse = %v:%d, want %v:%d", ip, port, wantIP, wantPort)
	}
}

func TestParseBindingResponseRejectsTransactionMismatch(t *testing.T) {
	_, txn := buildBindingRequest()
	resp := buildResponse(txn, net.ParseIP("1.2.3.4"), 80)

	var otherTxn TransactionID
	otherTxn[0] = 0xFF

	if _, _, err := ParseBindingResponse(resp, otherTxn); err == nil {
		t.Errorf("expected transaction ID mismatch to be rejected")
	}
}

func TestLooksLikeResponse(t *testing.T) {
	_, txn := buildBindingRequest()
	resp := buildResponse(txn, net.ParseIP("1.2.3.4"), 80)

	if !LooksLikeResponse(resp) {
		t.Errorf("LooksLikeResponse(valid response) = false, want true")
	}
	if LooksLikeResponse([]byte("punch:1.2.3.4:80")) {
		t.Errorf("LooksLikeResponse(ascii punch payload) = true, want false")
	}
	if LooksLikeResponse([]byte("short")) {
		t.Errorf("LooksLikeResponse(short garbage) = true, want false")
	}
}

func TestProberDiscoverDeliversMatchingResponse(t *testing.T) {
	sent := make(chan []byte, 1)
	p := NewProber(func(payload []byte, dstIP net.IP, dstPort int) error {
		sent <- payload
		return nil
	})

	resultCh := make(chan struct {
		ip   net.IP
		port int
		err  error
	}, 1)

	go func() {
		ip, port, err := p.Discover("192.0.2.1:3478", time.Second)
		resultCh <- struct {
			ip   net.IP
			port int
			err  error
		}{ip, port, err}
	}()

	req := <-sent
	var txn TransactionID
	copy(txn[:], req[8:20])

	wantIP := net.ParseIP("198.51.100.9").To4()
	resp := buildResponse(txn, wantIP, 4433)

	if !p.Deliver(resp) {
		t.Fatalf("Deliver(matching response) = false, want true")
	}

	result := <-resultCh
	if result.err != nil {
		t.Fatalf("Discover returned error: %v", result.err)
	}
	if !result.ip.Equal(wantIP) || result.port != 4433 {
		t.Errorf("Discover = %v:%d, want %v:%d", result.ip, result.port, wantIP, 4433)
	}
}

func TestProberDiscoverTimesOutWithoutResponse(t *testing.T) {
	p := NewProber(func(payload []byte, dstIP net.IP, dstPort int) error { return nil })

	_, _, err := p.Discover("192.0.2.1:3478", 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestProberDeliverIgnoresNonSTUNPayload(t *testing.T) {
	p := NewProber(func(payload []byte, dstIP net.IP, dstPort int) error { return nil })
	if p.Deliver([]byte("punch:1.2.3.4:80")) {
		t.Errorf("Deliver(ascii punch) = true, want false so the rendezvous dispatcher handles it")
	}
	if p.Deliver([]byte("pong")) {
		t.Errorf("Deliver(pong) = true, want false")
	}
}

// startFakeSTUNServer answers every Binding Request on a loopback UDP
// socket with replyIP:replyPort, reflected via XOR-MAPPED-ADDRESS.
func startFakeSTUNServer(t *testing.T, replyIP net.IP, replyPort int) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen fake STUN server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var txn TransactionID
			copy(txn[:], buf[8:20])
			_, _ = conn.WriteToUDP(buildResponse(txn, replyIP, replyPort), from)
			_ = n
		}
	}()
	return conn.LocalAddr().String()
}

func TestDetectNATTypeCone(t *testing.T) {
	server1 := startFakeSTUNServer(t, net.IPv4(203, 0, 113, 5), 41000)
	server2 := startFakeSTUNServer(t, net.IPv4(203, 0, 113, 5), 41000)

	natType, ip, port, err := DetectNATType(server1, server2, 0, time.Second)
	if err != nil {
		t.Fatalf("DetectNATType: %v", err)
	}
	if natType != NATCone {
		t.Errorf("natType = %q, want %q", natType, NATCone)
	}
	if !ip.Equal(net.IPv4(203, 0, 113, 5)) || port != 41000 {
		t.Errorf("addr = %s:%d", ip, port)
	}
}

func TestDetectNATTypeSymmetric(t *testing.T) {
	server1 := startFakeSTUNServer(t, net.IPv4(203, 0, 113, 5), 41000)
	server2 := startFakeSTUNServer(t, net.IPv4(203, 0, 113, 5), 42000)

	natType, _, _, err := DetectNATType(server1, server2, 0, time.Second)
	if err != nil {
		t.Fatalf("DetectNATType: %v", err)
	}
	if natType != NATSymmetric {
		t.Errorf("natType = %q, want %q", natType, NATSymmetric)
	}
}

func TestDetectNATTypeBothFail(t *testing.T) {
	_, _, _, err := DetectNATType("127.0.0.1:1", "127.0.0.1:2", 0, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error when both servers fail")
	}
}
