package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded headers",
			remoteAddr: "198.51.100.10:1234",
			xff:        "203.0.113.5",
			xrip:       "203.0.113.6",
			want:       "198.51.100.10",
		},
		{
			name:       "trusted peer accepts x-forwarded-for",
			remoteAddr: "10.0.0.20:1234",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "spoofed left hop is skipped",
			remoteAddr: "10.0.0.20:1234",
			xff:        "1.1.1.1, 203.0.113.5, 10.0.0.10",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "single trusted host entry",
			remoteAddr: "192.168.1.10:80",
			xff:        "203.0.113.9",
			trusted:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "x-real-ip used when xff unusable",
			remoteAddr: "10.0.0.20:1234",
			xff:        "garbage",
			xrip:       "203.0.113.7",
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "all hops trusted returns leftmost",
			remoteAddr: "10.0.0.20:1234",
			xff:        "10.0.0.5, 10.0.0.10",
			trusted:    trusted,
			want:       "10.0.0.5",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "198.51.100.11",
			want:       "198.51.100.11",
		},
		{
			name:       "unparseable remote addr returned as is",
			remoteAddr: "pipe",
			want:       "pipe",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://poker.local/api/rooms", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	got, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || got != nil {
		t.Fatalf("blank entries should trust nobody, got %v err %v", got, err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/8", "::1"}); err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected parse error for invalid prefix")
	}
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected parse error for invalid address")
	}
}
