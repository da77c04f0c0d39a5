package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/habgate/habgate/internal/store"
)

// CookieName is the signed auth cookie.
const CookieName = "habgate_auth"

// Cookie layout: base64url(userB64|sessionId|expirySec|hexHmac) where
// the HMAC-SHA256 covers userB64|sessionId|expirySec|passHash, keyed
// with the server cookie secret. Binding the user's passphrase hash
// into the MAC invalidates outstanding cookies on password change.
//
// A legacy 3-part layout (no sessionId) is still accepted and silently
// upgraded on the next response.

// MintCookie produces the cookie value for a user and session.
func (a *Authenticator) MintCookie(u *store.User, sessionID string) string {
	cfg := a.cfg.Current()
	userB64 := base64.StdEncoding.EncodeToString([]byte(u.Name))
	expiry := strconv.FormatInt(time.Now().Add(cfg.CookieTTL()).Unix(), 10)
	mac := cookieMAC(cfg.Auth.CookieSecret, userB64, sessionID, expiry, u.PassHash)
	raw := strings.Join([]string{userB64, sessionID, expiry, mac}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// SetCookie writes the auth cookie on the response. Secure is added
// when the request itself was secure.
func SetCookie(w http.ResponseWriter, r *http.Request, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

func (a *Authenticator) verifyCookie(ctx context.Context, value string) (*Identity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrNoCredentials
	}
	parts := strings.Split(string(raw), "|")

	var userB64, sessionID, expiryStr, mac string
	legacy := false
	switch len(parts) {
	case 4:
		userB64, sessionID, expiryStr, mac = parts[0], parts[1], parts[2], parts[3]
	case 3:
		legacy = true
		userB64, expiryStr, mac = parts[0], parts[1], parts[2]
	default:
		return nil, ErrNoCredentials
	}

	userBytes, err := base64.StdEncoding.DecodeString(userB64)
	if err != nil {
		return nil, ErrNoCredentials
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, ErrNoCredentials
	}
	if time.Now().Unix() > expiry {
		return nil, ErrNoCredentials
	}

	u, err := a.store.GetUser(ctx, string(userBytes))
	if err != nil {
		return nil, ErrConfigUnavailable
	}
	if u == nil {
		return nil, ErrBadCredentials
	}

	secret := a.cfg.Current().Auth.CookieSecret
	var expected string
	if legacy {
		expected = legacyCookieMAC(secret, userB64, expiryStr, u.PassHash)
	} else {
		expected = cookieMAC(secret, userB64, sessionID, expiryStr, u.PassHash)
	}
	if !hmac.Equal([]byte(expected), []byte(mac)) {
		return nil, ErrBadCredentials
	}

	if u.Disabled {
		return nil, ErrUserDisabled
	}

	if !legacy {
		if err := a.checkSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	return &Identity{User: u.Name, SessionID: sessionID, LegacyCookie: legacy}, nil
}

// checkSession confirms the session still exists; sessions vanish when
// a user is deleted or cleaned up, which forces a fresh login without
// counting as a failure.
func (a *Authenticator) checkSession(ctx context.Context, sessionID string) error {
	if _, ok := a.sessionCache.Get(sessionID); ok {
		return nil
	}
	exists, err := a.store.SessionExists(ctx, sessionID)
	if err != nil {
		return ErrConfigUnavailable
	}
	if !exists {
		return ErrNoCredentials
	}
	a.sessionCache.Set(sessionID, sessionID, sessionCacheTTL)
	_ = a.store.TouchSession(ctx, sessionID)
	return nil
}

// UpgradeLegacy mints a modern 4-part cookie for an identity resolved
// from a legacy 3-part one.
func (a *Authenticator) UpgradeLegacy(ctx context.Context, id *Identity) (string, error) {
	u, err := a.store.GetUser(ctx, id.User)
	if err != nil || u == nil {
		return "", ErrConfigUnavailable
	}
	sessionID, err := a.store.CreateSession(ctx, u.Name)
	if err != nil {
		return "", err
	}
	id.SessionID = sessionID
	id.LegacyCookie = false
	return a.MintCookie(u, sessionID), nil
}

// DropSessions invalidates every session of a user (account deletion,
// password change).
func (a *Authenticator) DropSessions(ctx context.Context, user string) error {
	// The cache holds bare session ids; a minute of staleness is
	// acceptable against the IPC-driven teardown that also closes the
	// user's sockets.
	return a.store.DeleteSessionsForUser(ctx, user)
}

func cookieMAC(secret, userB64, sessionID, expiry, passHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userB64 + "|" + sessionID + "|" + expiry + "|" + passHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func legacyCookieMAC(secret, userB64, expiry, passHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userB64 + "|" + expiry + "|" + passHash))
	return hex.EncodeToString(mac.Sum(nil))
}
