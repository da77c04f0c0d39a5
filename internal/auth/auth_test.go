package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/store"
)

func testConfig(t *testing.T) *config.Manager {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Auth.Enabled = true
	cfg.Auth.CookieSecret = "test-secret"
	return config.Static(cfg)
}

func newTestAuth(t *testing.T) (*Authenticator, *store.SQLiteStore, *config.Manager) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfgMgr := testConfig(t)
	a := NewAuthenticator(cfgMgr, s, NewLockout(cfgMgr), NewNotifier(cfgMgr, s))
	return a, s, cfgMgr
}

func seedUser(t *testing.T, s store.Store, name, pass string) *store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &store.User{Name: name, PassHash: string(hash)}
	if err := s.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func basicRequest(user, pass string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/rest/items", nil)
	r.SetBasicAuth(user, pass)
	return r
}

func cookieRequest(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/rest/items", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	return r
}

func TestBasicResolve(t *testing.T) {
	a, s, _ := newTestAuth(t)
	seedUser(t, s, "alice", "hunter2")

	id, err := a.Resolve(basicRequest("alice", "hunter2"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.User != "alice" {
		t.Fatalf("identity = %+v", id)
	}

	if _, err := a.Resolve(basicRequest("alice", "wrong")); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong pass err = %v", err)
	}
	if _, err := a.Resolve(basicRequest("nobody", "x")); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestMalformedBasicHeaderIsNoCredentials(t *testing.T) {
	a, _, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic not-base64!!!")
	if _, err := a.Resolve(r); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestDisabledUser(t *testing.T) {
	a, s, _ := newTestAuth(t)
	seedUser(t, s, "dave", "pw")
	if err := s.SetUserDisabled(context.Background(), "dave", true); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if _, err := a.Resolve(basicRequest("dave", "pw")); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("err = %v, want ErrUserDisabled", err)
	}
	// Disabled-user rejections are not brute-force signals.
	if a.lockouts.Len() != 0 {
		t.Fatalf("disabled user counted toward lockout")
	}
}

func TestCookieRoundTrip(t *testing.T) {
	a, s, _ := newTestAuth(t)
	u := seedUser(t, s, "alice", "hunter2")
	sid, err := s.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	id, err := a.Resolve(cookieRequest(a.MintCookie(u, sid)))
	if err != nil {
		t.Fatalf("resolve cookie: %v", err)
	}
	if id.User != "alice" || id.SessionID != sid || id.LegacyCookie {
		t.Fatalf("identity = %+v", id)
	}
}

func TestCookieInvalidatedByPasswordChange(t *testing.T) {
	a, s, _ := newTestAuth(t)
	u := seedUser(t, s, "alice", "hunter2")
	sid, _ := s.CreateSession(context.Background(), "alice")
	cookie := a.MintCookie(u, sid)

	// The MAC binds the pass hash; rehashing the passphrase kills it.
	seedUser(t, s, "alice", "new-passphrase")

	if _, err := a.Resolve(cookieRequest(cookie)); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
}

func TestTamperedCookieRejected(t *testing.T) {
	a, s, _ := newTestAuth(t)
	u := seedUser(t, s, "alice", "hunter2")
	sid, _ := s.CreateSession(context.Background(), "alice")
	cookie := a.MintCookie(u, sid)

	tampered := cookie[:len(cookie)-2] + "zz"
	if _, err := a.Resolve(cookieRequest(tampered)); err == nil {
		t.Fatal("tampered cookie must not resolve")
	}
}

func TestGarbageCookieIsNoCredentials(t *testing.T) {
	a, _, _ := newTestAuth(t)
	if _, err := a.Resolve(cookieRequest("not//valid")); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if a.lockouts.Len() != 0 {
		t.Fatal("garbage cookie counted toward lockout")
	}
}

func TestLegacyCookieAcceptedAndUpgraded(t *testing.T) {
	a, s, cfgMgr := newTestAuth(t)
	u := seedUser(t, s, "alice", "hunter2")

	legacy := mintLegacyCookie(cfgMgr.Current().Auth.CookieSecret, u)
	id, err := a.Resolve(cookieRequest(legacy))
	if err != nil {
		t.Fatalf("resolve legacy: %v", err)
	}
	if !id.LegacyCookie {
		t.Fatal("legacy cookie not flagged for upgrade")
	}

	minted, err := a.UpgradeLegacy(context.Background(), id)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	upgraded, err := a.Resolve(cookieRequest(minted))
	if err != nil {
		t.Fatalf("resolve upgraded: %v", err)
	}
	if upgraded.LegacyCookie || upgraded.SessionID == "" {
		t.Fatalf("upgraded identity = %+v", upgraded)
	}
}

func TestDeletedSessionForcesRelogin(t *testing.T) {
	a, s, _ := newTestAuth(t)
	u := seedUser(t, s, "alice", "hunter2")
	sid, _ := s.CreateSession(context.Background(), "alice")
	cookie := a.MintCookie(u, sid)

	if err := a.DropSessions(context.Background(), "alice"); err != nil {
		t.Fatalf("drop sessions: %v", err)
	}
	if _, err := a.Resolve(cookieRequest(cookie)); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	a, s, _ := newTestAuth(t)
	seedUser(t, s, "alice", "hunter2")

	// maxFailures defaults to 3: two plain failures, the third engages
	// the lock and is itself answered as locked out.
	for i := 0; i < 2; i++ {
		if _, err := a.Resolve(basicRequest("alice", "wrong")); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("attempt %d err = %v", i+1, err)
		}
	}
	if _, err := a.Resolve(basicRequest("alice", "wrong")); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("third attempt err = %v, want ErrLockedOut", err)
	}

	// Correct credentials do not unlock an active lock.
	if _, err := a.Resolve(basicRequest("alice", "hunter2")); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("locked-out correct creds err = %v", err)
	}

	// After expiry the counter is cleared by the next success.
	expireLock(a.lockouts, "192.0.2.1")
	if _, err := a.Resolve(basicRequest("alice", "hunter2")); err != nil {
		t.Fatalf("post-expiry resolve: %v", err)
	}
	if a.lockouts.Len() != 0 {
		t.Fatal("success must clear the failure entry")
	}
}

func expireLock(l *Lockout, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[source]; ok {
		e.lockUntil = time.Now().Add(-time.Second)
	}
}

func TestLockoutPrune(t *testing.T) {
	cfgMgr := testConfig(t)
	l := NewLockout(cfgMgr)

	l.Fail("stale")
	l.mu.Lock()
	l.entries["stale"].lastFailAt = time.Now().Add(-2 * staleWindow)
	l.mu.Unlock()

	l.Fail("fresh")
	for i := 0; i < 3; i++ {
		l.Fail("locked")
	}

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("pruned %d entries, want 1", removed)
	}
	if err := l.Check("locked"); !errors.Is(err, ErrLockedOut) {
		t.Fatal("active lock must survive pruning")
	}
	if l.Len() != 2 {
		t.Fatalf("entries = %d, want 2", l.Len())
	}
}

func TestSourceKeyHonorsProxyTrust(t *testing.T) {
	a, _, cfgMgr := newTestAuth(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := a.SourceKey(r); got != "10.0.0.1" {
		t.Fatalf("untrusted proxy source = %q", got)
	}

	cfg := cfgMgr.Current()
	cfg.Net.TrustProxy = true
	if got := a.SourceKey(r); got != "203.0.113.9" {
		t.Fatalf("trusted proxy source = %q", got)
	}
}

// mintLegacyCookie builds the pre-session 3-part cookie form.
func mintLegacyCookie(secret string, u *store.User) string {
	userB64 := base64.StdEncoding.EncodeToString([]byte(u.Name))
	expiry := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	mac := legacyCookieMAC(secret, userB64, expiry, u.PassHash)
	raw := strings.Join([]string{userB64, expiry, mac}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
