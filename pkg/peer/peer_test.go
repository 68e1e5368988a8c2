package peer

import (
	"errors"
	"testing"
)

func TestSamePublicPair(t *testing.T) {
	a := Peer{LocalIP: "0.0.0.0", LocalPort: 1, PublicIP: "1.2.3.4", PublicPort: 5000}
	b := Peer{LocalIP: "10.0.0.5", LocalPort: 2, PublicIP: "1.2.3.4", PublicPort: 5000}
	c := Peer{PublicIP: "1.2.3.4", PublicPort: 5001}

	if !a.SamePublicPair(b) {
		t.Errorf("expected a and b to share a public pair despite differing local pairs")
	}
	if a.SamePublicPair(c) {
		t.Errorf("expected a and c to differ: different public ports")
	}
}

func TestHasPublicAddr(t *testing.T) {
	if (Peer{}).HasPublicAddr() {
		t.Errorf("zero-value peer should not report a public address")
	}
	if !(Peer{PublicIP: "1.2.3.4", PublicPort: 1}).HasPublicAddr() {
		t.Errorf("peer with both fields set should report a public address")
	}
}

func TestKeyMatchesEntryKey(t *testing.T) {
	p := Peer{PublicIP: "203.0.113.9", PublicPort: 4500}
	e := p.ToEntry()
	if p.Key() != EntryKey(e) {
		t.Errorf("Peer.Key() = %q, EntryKey(ToEntry()) = %q, want equal", p.Key(), EntryKey(e))
	}
	if p.Key() != "203.0.113.9:4500" {
		t.Errorf("Key() = %q, want %q", p.Key(), "203.0.113.9:4500")
	}
}

func TestToEntryDropsLocalPair(t *testing.T) {
	p := Peer{LocalIP: "10.1.1.1", LocalPort: 9999, PublicIP: "1.2.3.4", PublicPort: 5000}
	e := p.ToEntry()
	// The registry projection must never carry local_ip/local_port: Entry
	// has no fields for them, so this is enforced by the type itself, but
	// assert the values that do cross over are correct.
	if e.PublicIP != p.PublicIP || e.PublicPort != p.PublicPort {
		t.Errorf("ToEntry() = %+v, want public pair %s:%d", e, p.PublicIP, p.PublicPort)
	}
}

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid ipv4", Entry{PublicIP: "1.2.3.4", PublicPort: 51820}, false},
		{"valid ipv6", Entry{PublicIP: "::1", PublicPort: 1}, false},
		{"empty ip", Entry{PublicIP: "", PublicPort: 1}, true},
		{"garbage ip", Entry{PublicIP: "not-an-ip", PublicPort: 1}, true},
		{"zero port", Entry{PublicIP: "1.2.3.4", PublicPort: 0}, true},
		{"negative port", Entry{PublicIP: "1.2.3.4", PublicPort: -1}, true},
		{"port too large", Entry{PublicIP: "1.2.3.4", PublicPort: 65536}, true},
		{"max valid port", Entry{PublicIP: "1.2.3.4", PublicPort: 65535}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error does not wrap ErrValidation: %v", err)
			}
		})
	}
}
