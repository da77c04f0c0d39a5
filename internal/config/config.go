package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is one immutable configuration snapshot. Components read the
// current snapshot at use site via Manager.Current(); fields are never
// cached individually so a hot reload takes effect on the next use.
type Config struct {
	HTTP  ListenerConfig    `json:"http"`
	HTTPS TLSListenerConfig `json:"https"`

	Upstream  UpstreamConfig  `json:"upstream"`
	Subscribe SubscribeConfig `json:"subscribe"`
	Auth      AuthConfig      `json:"auth"`
	Cache     CacheConfig     `json:"cache"`
	Net       NetConfig       `json:"net"`

	// GroupItems are item names whose state the server synthesizes from
	// the count of members in the OPEN state.
	GroupItems []string `json:"groupItems"`

	DBPath       string `json:"dbPath"`
	IPCSocket    string `json:"ipcSocket"`
	LogLevel     string `json:"logLevel"`
	LogFile      string `json:"logFile"`
	AssetVersion string `json:"assetVersion"`

	// ClientDefaults is passed through verbatim in /config.js.
	ClientDefaults map[string]any `json:"clientDefaults"`

	// WidgetRules holds per-widget presentation and visibility rules,
	// keyed by item name. Served in /config.js; the search index drops
	// admin-only widgets for non-admin callers.
	WidgetRules map[string]WidgetRule `json:"widgetRules"`
}

type WidgetRule struct {
	AdminOnly bool   `json:"adminOnly,omitempty"`
	Hidden    bool   `json:"hidden,omitempty"`
	Glow      string `json:"glow,omitempty"`
	// ProxyCache marks media URLs under this widget as cacheable by the
	// client service worker.
	ProxyCache bool `json:"proxyCache,omitempty"`
}

type ListenerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type TLSListenerConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
	HTTP2    bool   `json:"http2"`
}

type UpstreamConfig struct {
	BaseURL string `json:"baseUrl"`
	// Bearer token is preferred; Basic user:pass is the fallback.
	Token    string `json:"token"`
	User     string `json:"user"`
	Password string `json:"password"`

	TimeoutMs         int `json:"timeoutMs"`
	LongPollTimeoutMs int `json:"longPollTimeoutMs"`
	MaxRedirects      int `json:"maxRedirects"`
	RecoveryDelaySec  int `json:"recoveryDelaySec"`

	// Egress proxy for upstreams not directly reachable.
	Proxy *ProxyConfig `json:"proxy"`
	// TLSFingerprint mimics a browser ClientHello, for upstreams fronted
	// by CDNs that reject non-browser TLS stacks.
	TLSFingerprint bool `json:"tlsFingerprint"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // "socks5", "http", "https"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type SubscribeConfig struct {
	// Mode selects the strategy: "longpoll", "sse" or "poll".
	Mode        string `json:"mode"`
	SitemapName string `json:"sitemapName"`

	PollIntervalFocusedMs    int `json:"pollIntervalFocusedMs"`
	PollIntervalBackgroundMs int `json:"pollIntervalBackgroundMs"`
	ReconnectDelayMs         int `json:"reconnectDelayMs"`
	WatchdogThresholdMs      int `json:"watchdogThresholdMs"`
}

type AuthConfig struct {
	Enabled       bool   `json:"enabled"`
	CookieSecret  string `json:"cookieSecret"`
	CookieTTLDays int    `json:"cookieTtlDays"`

	MaxFailures    int `json:"maxFailures"`
	LockoutMinutes int `json:"lockoutMinutes"`

	// NotifyCommand runs on auth failure, throttled process-wide to one
	// invocation per NotifyIntervalMin minutes.
	NotifyCommand     string `json:"notifyCommand"`
	NotifyIntervalMin int    `json:"notifyIntervalMin"`

	AdminUser string `json:"adminUser"`
}

type CacheConfig struct {
	// MaxKeys caps the number of distinct delta cache keys.
	MaxKeys int `json:"maxKeys"`
}

type NetConfig struct {
	// AllowedSubnets gates connections at the socket level (CIDR list).
	AllowedSubnets []string `json:"allowedSubnets"`
	// DeniedIPs is checked against X-Forwarded-For, only when TrustProxy.
	DeniedIPs  []string `json:"deniedIps"`
	TrustProxy bool     `json:"trustProxy"`
}

// Load reads the config file (a missing file means defaults), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults + env only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP: ListenerConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
		Upstream: UpstreamConfig{
			BaseURL:           "http://127.0.0.1:8090",
			TimeoutMs:         15000,
			LongPollTimeoutMs: 120000,
			MaxRedirects:      3,
		},
		Subscribe: SubscribeConfig{
			Mode:                     "longpoll",
			SitemapName:              "default",
			PollIntervalFocusedMs:    5000,
			PollIntervalBackgroundMs: 60000,
			ReconnectDelayMs:         5000,
			WatchdogThresholdMs:      5000,
		},
		Auth: AuthConfig{
			CookieTTLDays:     180,
			MaxFailures:       3,
			LockoutMinutes:    15,
			NotifyIntervalMin: 15,
		},
		Cache:    CacheConfig{MaxKeys: 100},
		DBPath:   "habgate.db",
		LogLevel: "info",
	}
}

func applyEnv(c *Config) {
	c.Upstream.BaseURL = envOr("HABGATE_UPSTREAM_URL", c.Upstream.BaseURL)
	c.Upstream.Token = envOr("HABGATE_UPSTREAM_TOKEN", c.Upstream.Token)
	c.HTTP.Port = envInt("HABGATE_HTTP_PORT", c.HTTP.Port)
	c.DBPath = envOr("HABGATE_DB_PATH", c.DBPath)
	c.LogLevel = envOr("HABGATE_LOG_LEVEL", c.LogLevel)
	c.Auth.CookieSecret = envOr("HABGATE_COOKIE_SECRET", c.Auth.CookieSecret)
}

func fillDefaults(c *Config) {
	if c.Upstream.TimeoutMs <= 0 {
		c.Upstream.TimeoutMs = 15000
	}
	if c.Upstream.LongPollTimeoutMs <= 0 {
		c.Upstream.LongPollTimeoutMs = 120000
	}
	if c.Upstream.MaxRedirects <= 0 {
		c.Upstream.MaxRedirects = 3
	}
	if c.Subscribe.Mode == "" {
		c.Subscribe.Mode = "longpoll"
	}
	if c.Subscribe.SitemapName == "" {
		c.Subscribe.SitemapName = "default"
	}
	if c.Subscribe.PollIntervalFocusedMs <= 0 {
		c.Subscribe.PollIntervalFocusedMs = 5000
	}
	if c.Subscribe.PollIntervalBackgroundMs <= 0 {
		c.Subscribe.PollIntervalBackgroundMs = 60000
	}
	if c.Subscribe.ReconnectDelayMs <= 0 {
		c.Subscribe.ReconnectDelayMs = 5000
	}
	if c.Subscribe.WatchdogThresholdMs <= 0 {
		c.Subscribe.WatchdogThresholdMs = 5000
	}
	if c.Auth.MaxFailures <= 0 {
		c.Auth.MaxFailures = 3
	}
	if c.Auth.LockoutMinutes <= 0 {
		c.Auth.LockoutMinutes = 15
	}
	if c.Auth.CookieTTLDays <= 0 {
		c.Auth.CookieTTLDays = 180
	}
	if c.Auth.NotifyIntervalMin <= 0 {
		c.Auth.NotifyIntervalMin = 15
	}
	if c.Cache.MaxKeys <= 0 {
		c.Cache.MaxKeys = 100
	}
}

// Validate returns all violations at once so startup can report the full
// list before exiting.
func (c *Config) Validate() error {
	var violations []string

	if !c.HTTP.Enabled && !c.HTTPS.Enabled {
		violations = append(violations, "at least one of http/https must be enabled")
	}
	if c.HTTPS.Enabled && (c.HTTPS.CertFile == "" || c.HTTPS.KeyFile == "") {
		violations = append(violations, "https requires certFile and keyFile")
	}
	if c.Upstream.BaseURL == "" {
		violations = append(violations, "upstream.baseUrl is required")
	} else if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		violations = append(violations, "upstream.baseUrl must be http(s)")
	}
	switch c.Subscribe.Mode {
	case "longpoll", "sse", "poll":
	default:
		violations = append(violations, fmt.Sprintf("subscribe.mode %q is not one of longpoll/sse/poll", c.Subscribe.Mode))
	}
	if c.Auth.Enabled && c.Auth.CookieSecret == "" {
		violations = append(violations, "auth.cookieSecret is required when auth is enabled")
	}
	if p := c.Upstream.Proxy; p != nil {
		switch p.Type {
		case "socks5", "http", "https":
		default:
			violations = append(violations, fmt.Sprintf("upstream.proxy.type %q is not one of socks5/http/https", p.Type))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// ValidationError carries every violation found in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Violations, "; ")
}

// UpstreamTimeout returns the buffered upstream request timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutMs) * time.Millisecond
}

// LongPollTimeout returns the long-polling response timeout.
func (c *Config) LongPollTimeout() time.Duration {
	return time.Duration(c.Upstream.LongPollTimeoutMs) * time.Millisecond
}

// PollInterval returns the items polling interval for the given focus state.
func (c *Config) PollInterval(focused bool) time.Duration {
	if focused {
		return time.Duration(c.Subscribe.PollIntervalFocusedMs) * time.Millisecond
	}
	return time.Duration(c.Subscribe.PollIntervalBackgroundMs) * time.Millisecond
}

// ReconnectDelay returns the strategy reconnect delay after errors.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Subscribe.ReconnectDelayMs) * time.Millisecond
}

// WatchdogThreshold returns the no-update watchdog threshold.
func (c *Config) WatchdogThreshold() time.Duration {
	return time.Duration(c.Subscribe.WatchdogThresholdMs) * time.Millisecond
}

// LockoutDuration returns how long a source stays locked out.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Auth.LockoutMinutes) * time.Minute
}

// NotifyInterval returns the minimum time between failure notifications.
func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.Auth.NotifyIntervalMin) * time.Minute
}

// CookieTTL returns the auth cookie lifetime.
func (c *Config) CookieTTL() time.Duration {
	return time.Duration(c.Auth.CookieTTLDays) * 24 * time.Hour
}

// RestartRequired reports whether the divergence between two snapshots
// cannot be applied by a hot reload. Listener bind settings and file
// paths opened at startup require a process restart.
func RestartRequired(old, next *Config) bool {
	if old.HTTP != next.HTTP || old.HTTPS != next.HTTPS {
		return true
	}
	if old.DBPath != next.DBPath || old.LogFile != next.LogFile || old.IPCSocket != next.IPCSocket {
		return true
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
