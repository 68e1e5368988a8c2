// Package peer defines the runtime's core data model: the Peer record,
// its registry projection, and the error kinds the runtime surfaces.
package peer

import (
	"errors"
	"fmt"
	"net"
)

// Peer is a value with four fields: the local bind pair used for the
// datagram socket and STUN probing, and the optional reflexive (public)
// pair once discovered. Peer equality for deduplication and self-filtering
// is defined by the public pair only; the local pair is an internal
// configuration detail that must never be exposed through the registry's
// serialized form.
type Peer struct {
	LocalIP   string
	LocalPort int

	PublicIP   string
	PublicPort int
}

// HasPublicAddr reports whether the reflexive address has been discovered.
func (p Peer) HasPublicAddr() bool {
	return p.PublicIP != "" && p.PublicPort != 0
}

// SamePublicPair reports whether two peers refer to the same remote
// endpoint. Only the public pair participates in peer equality.
func (p Peer) SamePublicPair(other Peer) bool {
	return p.PublicIP == other.PublicIP && p.PublicPort == other.PublicPort
}

// Key returns the registry storage key for this peer's public pair,
// "<public_ip>:<public_port>", so updates are idempotent.
func (p Peer) Key() string {
	return fmt.Sprintf("%s:%d", p.PublicIP, p.PublicPort)
}

// Entry is the serialized projection of a Peer stored and transmitted by
// the signaling registry: only the public pair, never local_ip/local_port.
type Entry struct {
	PublicIP   string `json:"public_ip"`
	PublicPort int    `json:"public_port"`
}

// EntryKey returns the registry storage key for an Entry.
func EntryKey(e Entry) string {
	return fmt.Sprintf("%s:%d", e.PublicIP, e.PublicPort)
}

// ToEntry projects a Peer down to its registry Entry.
func (p Peer) ToEntry() Entry {
	return Entry{PublicIP: p.PublicIP, PublicPort: p.PublicPort}
}

// Validate checks that an Entry's fields are well-formed: a parseable IP
// and a port in the 16-bit unsigned range.
func (e Entry) Validate() error {
	if e.PublicIP == "" || net.ParseIP(e.PublicIP) == nil {
		return fmt.Errorf("%w: invalid public_ip %q", ErrValidation, e.PublicIP)
	}
	if e.PublicPort < 1 || e.PublicPort > 65535 {
		return fmt.Errorf("%w: public_port %d out of range", ErrValidation, e.PublicPort)
	}
	return nil
}

// Status is the runtime's observable connection status, purely
// informational to the driver.
type Status string

const (
	StatusOff        Status = "off"
	StatusConnecting Status = "connecting"
	StatusOn         Status = "on"
	StatusError      Status = "error"
)

// Error kinds the runtime surfaces. Callers should use errors.Is
// against these sentinels; wrapping with %w preserves the kind.
var (
	ErrDiscoveryFailed     = errors.New("stun discovery failed")
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrBindFailed          = errors.New("local socket bind failed")
	ErrPreconditionUnmet   = errors.New("precondition unmet")
	ErrTimeout             = errors.New("rendezvous timed out")
	ErrSendFailed          = errors.New("datagram send failed")
	ErrValidation          = errors.New("validation failed")
	ErrState               = errors.New("invalid endpoint state")
)
