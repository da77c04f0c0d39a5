package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/habgate/habgate/internal/config"
)

// Manager pools round trippers for the upstream HA backend. Pool keys
// derive from the upstream network settings, so a hot reload that
// changes the proxy or fingerprint picks up a fresh transport while the
// old one ages out of the pool.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*poolEntry)}
}

// RoundTripper returns the pooled transport for the given upstream
// settings, building it on first use.
func (m *Manager) RoundTripper(ucfg config.UpstreamConfig) http.RoundTripper {
	key := poolKey(ucfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(ucfg)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup closes idle transports. Blocks until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		closeIdle(entry.roundTripper)
		delete(m.entries, key)
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.roundTripper)
			delete(m.entries, key)
		}
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func poolKey(ucfg config.UpstreamConfig) string {
	key := "direct"
	if p := ucfg.Proxy; p != nil {
		key = fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
	}
	if ucfg.TLSFingerprint {
		key += "+utls"
	}
	return key
}

// --- Transport building ---

func buildRoundTripper(ucfg config.UpstreamConfig) http.RoundTripper {
	if ucfg.Proxy != nil {
		t := &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     5 * time.Minute,
			DialContext:         proxyDialer(ucfg.Proxy),
		}
		if ucfg.TLSFingerprint {
			t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				rawConn, err := proxyDialer(ucfg.Proxy)(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return fingerprintHandshake(ctx, rawConn, addr)
			}
		}
		return t
	}

	if ucfg.TLSFingerprint {
		// Direct + fingerprint: http2.Transport sidesteps the *tls.Conn
		// type assertion that net/http applies to DialTLS connections.
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				dialer := &net.Dialer{}
				rawConn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return fingerprintHandshake(ctx, rawConn, addr)
			},
		}
	}

	return &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     5 * time.Minute,
	}
}

// fingerprintHandshake wraps rawConn in a utls client hello mimicking a
// current Chrome, for upstreams fronted by CDNs that reject unknown TLS
// stacks.
func fingerprintHandshake(ctx context.Context, rawConn net.Conn, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
