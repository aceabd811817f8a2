package util

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of proxy prefixes whose forwarded headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or bare IP entries. Empty input trusts nobody and returns nil.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr falls inside a trusted prefix.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address used as the rate limit key.
// X-Forwarded-For and X-Real-IP are honoured only when the direct peer is trusted;
// the chain is walked right to left and the first untrusted hop wins.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}
	if hops := forwardedFor(r.Header.Get("X-Forwarded-For")); len(hops) > 0 {
		hops = append(hops, peer)
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.Contains(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.Unmap().String()
	}
	return peer.String()
}

func forwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(header, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

func remoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
