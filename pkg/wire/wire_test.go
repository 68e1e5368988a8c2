package wire

import (
	"net"
	"testing"
)

func TestEncodeParsePunchRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ip   net.IP
		port int
	}{
		{"ipv4", net.ParseIP("198.51.100.7"), 51820},
		{"ipv6", net.ParseIP("2001:db8::1"), 443},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := EncodePunch(tt.ip, tt.port)
			got, ok := ParsePunch(payload)
			if !ok {
				t.Fatalf("ParsePunch(%q) = false, want true", payload)
			}
			if !got.IP.Equal(tt.ip) || got.Port != tt.port {
				t.Errorf("ParsePunch(%q) = %v:%d, want %v:%d", payload, got.IP, got.Port, tt.ip, tt.port)
			}
		})
	}
}

func TestEncodePunchHasNoTrailingNewline(t *testing.T) {
	payload := EncodePunch(net.ParseIP("1.2.3.4"), 9000)
	if payload[len(payload)-1] == '\n' {
		t.Errorf("EncodePunch produced a trailing newline: %q", payload)
	}
}

func TestIsPong(t *testing.T) {
	if !IsPong([]byte("pong")) {
		t.Errorf("IsPong(\"pong\") = false, want true")
	}
	if IsPong([]byte("pong\n")) {
		t.Errorf("IsPong(\"pong\\n\") = true, want false: grammar is exactly four bytes")
	}
	if IsPong([]byte("PONG")) {
		t.Errorf("IsPong must be case-sensitive")
	}
}

func TestParsePunchRejectsGarbage(t *testing.T) {
	tests := []string{
		"",
		"pong",
		"punch:",
		"punch:not-an-ip:80",
		"punch:1.2.3.4:not-a-port",
		"punch:1.2.3.4:99999",
		"punch:1.2.3.4:0",
		"punch:1.2.3.4",
		string(make([]byte, 3000)),
	}
	for _, payload := range tests {
		if _, ok := ParsePunch([]byte(payload)); ok {
			t.Errorf("ParsePunch(%q) = true, want false", payload)
		}
	}
}
