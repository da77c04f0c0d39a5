// Package auth gates both the HTTP surface and WebSocket upgrades:
// Basic credentials, a signed cookie, an HTML login endpoint, and
// per-source failure lockout.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/metrics"
	"github.com/habgate/habgate/internal/store"
)

var (
	// ErrNoCredentials means the request carried nothing usable; the
	// response is a 401 with a realm.
	ErrNoCredentials = errors.New("no credentials")
	// ErrBadCredentials covers wrong user or passphrase.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrLockedOut rejects without checking credentials.
	ErrLockedOut = errors.New("locked out")
	// ErrUserDisabled maps to an opaque 500 with an empty body.
	ErrUserDisabled = errors.New("user disabled")
	// ErrConfigUnavailable means the user directory could not be read.
	ErrConfigUnavailable = errors.New("auth config unavailable")
)

type contextKey string

const userKey contextKey = "authUser"

// Identity is the outcome of a successful resolution.
type Identity struct {
	User      string
	SessionID string
	// LegacyCookie marks a 3-part cookie that should be re-minted in
	// the modern 4-part form on the next response.
	LegacyCookie bool
}

// Authenticator resolves request credentials against the user
// directory and tracks failures per source.
type Authenticator struct {
	cfg      *config.Manager
	store    store.Store
	lockouts *Lockout
	notifier *Notifier

	// sessionCache short-circuits the per-request session existence
	// lookup for recently verified cookie sessions.
	sessionCache *store.TTLMap[string]
}

const sessionCacheTTL = time.Minute

func NewAuthenticator(cfg *config.Manager, s store.Store, lockouts *Lockout, notifier *Notifier) *Authenticator {
	return &Authenticator{
		cfg:          cfg,
		store:        s,
		lockouts:     lockouts,
		notifier:     notifier,
		sessionCache: store.NewTTLMap[string](),
	}
}

// Lockouts exposes the lockout table (for the prune task).
func (a *Authenticator) Lockouts() *Lockout { return a.lockouts }

// Resolve runs the Basic-or-cookie resolution used by both the HTTP
// middleware and the WebSocket upgrade path. While the source is
// locked out, credentials are not examined at all.
func (a *Authenticator) Resolve(r *http.Request) (*Identity, error) {
	source := a.SourceKey(r)
	if err := a.lockouts.Check(source); err != nil {
		return nil, err
	}

	if user, pass, ok := parseBasic(r); ok {
		id, err := a.checkPassword(r.Context(), user, pass)
		if err != nil {
			return nil, a.failAndCheck(source, err)
		}
		a.lockouts.Success(source)
		return id, nil
	}

	if c, err := r.Cookie(CookieName); err == nil {
		id, err := a.verifyCookie(r.Context(), c.Value)
		if err != nil {
			return nil, a.failAndCheck(source, err)
		}
		a.lockouts.Success(source)
		return id, nil
	}

	return nil, ErrNoCredentials
}

// failAndCheck records the failure; when this very failure engaged the
// lock, the attempt is answered as locked out rather than unauthorized.
func (a *Authenticator) failAndCheck(source string, err error) error {
	a.fail(source, err)
	if lockErr := a.lockouts.Check(source); lockErr != nil {
		return lockErr
	}
	return err
}

// CheckPassword verifies a username/passphrase pair (login endpoint).
func (a *Authenticator) CheckPassword(ctx context.Context, user, pass string) (*Identity, error) {
	return a.checkPassword(ctx, user, pass)
}

// FailFrom counts a failure against a source outside Resolve (the
// login endpoint owns its own error mapping).
func (a *Authenticator) FailFrom(r *http.Request, err error) {
	a.fail(a.SourceKey(r), err)
}

// SuccessFrom clears the failure counter for the request's source.
func (a *Authenticator) SuccessFrom(r *http.Request) {
	a.lockouts.Success(a.SourceKey(r))
}

// LockedOut reports whether the request's source is currently locked.
func (a *Authenticator) LockedOut(r *http.Request) bool {
	return a.lockouts.Check(a.SourceKey(r)) != nil
}

func (a *Authenticator) checkPassword(ctx context.Context, user, pass string) (*Identity, error) {
	u, err := a.store.GetUser(ctx, user)
	if err != nil {
		return nil, ErrConfigUnavailable
	}
	if u == nil {
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PassHash), []byte(pass)) != nil {
		return nil, ErrBadCredentials
	}
	if u.Disabled {
		return nil, ErrUserDisabled
	}
	return &Identity{User: u.Name}, nil
}

func (a *Authenticator) fail(source string, err error) {
	// Disabled users, store outages and merely absent/expired
	// credentials are not brute-force signals.
	if errors.Is(err, ErrUserDisabled) || errors.Is(err, ErrConfigUnavailable) || errors.Is(err, ErrNoCredentials) {
		return
	}
	metrics.AuthFailures.Inc()
	if a.lockouts.Fail(source) {
		metrics.Lockouts.Inc()
	}
	a.notifier.NotifyFailure(source)
}

// SourceKey identifies the client for failure counting: the forwarded
// address when proxy trust is on, else the socket address.
func (a *Authenticator) SourceKey(r *http.Request) string {
	cfg := a.cfg.Current()
	if cfg.Net.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseBasic extracts Basic credentials. A malformed header reads as
// "no credentials", not as an error.
func parseBasic(r *http.Request) (user, pass string, ok bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Basic ") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h, "Basic "))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(raw), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

// WithIdentity attaches the resolved identity to the request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, userKey, id)
}

// FromContext returns the identity resolved for this request, if any.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(userKey).(*Identity)
	return v
}
