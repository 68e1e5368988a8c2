// Package wire implements the peer-to-peer handshake's ASCII payload
// grammar: "pong" and "punch:<ip>:<port>". Anything not matching either
// grammar is the caller's responsibility to log and ignore.
package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// PongPayload is the exact four-byte acknowledgement payload.
	PongPayload = "pong"

	punchPrefix = "punch:"

	// MaxPayloadSize is the suggested MTU-safe buffer; longer payloads
	// may be truncated on receive.
	MaxPayloadSize = 1500
)

// Punch is a decoded "I am trying to reach you from this reflexive
// address" message.
type Punch struct {
	IP   net.IP
	Port int
}

// EncodePunch renders a Punch payload: punch:<ip>:<port>, no trailing
// newline.
func EncodePunch(ip net.IP, port int) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", punchPrefix, ip.String(), port))
}

// IsPong reports whether payload is exactly the pong literal.
func IsPong(payload []byte) bool {
	return string(payload) == PongPayload
}

// ParsePunch decodes a punch:<ip>:<port> payload. It returns false if
// payload does not match the grammar.
func ParsePunch(payload []byte) (Punch, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, punchPrefix) {
		return Punch{}, false
	}
	rest := strings.TrimPrefix(s, punchPrefix)

	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return Punch{}, false
	}
	ipText, portText := rest[:idx], rest[idx+1:]

	ip := net.ParseIP(ipText)
	if ip == nil {
		return Punch{}, false
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return Punch{}, false
	}
	return Punch{IP: ip, Port: port}, true
}
