// Package access implements the network-level gates shared by the HTTP
// surface and the WebSocket upgrade path: an allow-list of subnets
// checked against the socket address, and a deny-list checked against
// the forwarded client address when proxy trust is enabled.
package access

import (
	"net"
	"net/http"
	"strings"

	"github.com/habgate/habgate/internal/config"
)

// SubnetAllowed checks the socket-level remote address against the
// configured subnets. An empty list allows everything.
func SubnetAllowed(cfg *config.Config, remoteAddr string) bool {
	if len(cfg.Net.AllowedSubnets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range cfg.Net.AllowedSubnets {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Denied checks the forwarded client address against the deny-list.
// Without proxy trust the forwarded header is attacker-controlled and
// is ignored.
func Denied(cfg *config.Config, r *http.Request) bool {
	if !cfg.Net.TrustProxy || len(cfg.Net.DeniedIPs) == 0 {
		return false
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return false
	}
	if i := strings.IndexByte(fwd, ','); i >= 0 {
		fwd = fwd[:i]
	}
	fwd = strings.TrimSpace(fwd)
	for _, denied := range cfg.Net.DeniedIPs {
		if fwd == denied {
			return true
		}
	}
	return false
}
