package util

import (
	"testing"
)

func TestFormatAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"1.2.3.4", 22, "1.2.3.4:22"},
		{"::1", 443, "[::1]:443"},
		{"db.internal", 5432, "db.internal:5432"},
	}
	for _, tt := range tests {
		if got := FormatAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("FormatAddr(%q,%d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
	if got := LoopbackAddr(8080); got != "127.0.0.1:8080" {
		t.Errorf("LoopbackAddr = %q", got)
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"example.com:443", "example.com", 443, false},
		{"[::1]:80", "::1", 80, false},
		{"example.com", "", 0, true},
		{"example.com:http", "", 0, true},
		{"example.com:70000", "", 0, true},
		{":80", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitHostPort(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitHostPort(%q) err=%v wantErr=%v", tt.addr, err, tt.wantErr)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitHostPort(%q) = %q,%d want %q,%d", tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}
