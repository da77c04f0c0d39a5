package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const csrfCookieName = "habgate_csrf"

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta name="viewport" content="width=device-width, initial-scale=1"><title>Sign in</title></head>
<body>
<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="{{.Token}}">
<input type="hidden" name="next" value="{{.Next}}">
{{if .Error}}<p>{{.Error}}</p>{{end}}
<label>Username <input name="username" autocomplete="username" autofocus></label>
<label>Passphrase <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// LoginHandler serves the login form and handles submissions, both as
// HTML and as JSON. CSRF uses the double-submit pattern: the token
// travels as a cookie and is echoed back in the X-CSRF-Token header or
// the submission body, compared in constant time.
type LoginHandler struct {
	auth *Authenticator
}

func NewLoginHandler(a *Authenticator) *LoginHandler {
	return &LoginHandler{auth: a}
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if acceptsJSON(r) {
			h.renderTokenJSON(w, r)
			return
		}
		h.renderForm(w, r, "", http.StatusOK)
	case http.MethodPost:
		h.submit(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func acceptsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func isJSONSubmission(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func (h *LoginHandler) renderForm(w http.ResponseWriter, r *http.Request, errMsg string, code int) {
	token := h.setCSRFCookie(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = loginPage.Execute(w, map[string]string{
		"Token": token,
		"Error": errMsg,
		"Next":  sanitizeNext(r.URL.Query().Get("next")),
	})
}

// renderTokenJSON hands a JSON client the CSRF token it must echo back
// on the submission.
func (h *LoginHandler) renderTokenJSON(w http.ResponseWriter, r *http.Request) {
	token := h.setCSRFCookie(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

func (h *LoginHandler) setCSRFCookie(w http.ResponseWriter, r *http.Request) string {
	token := mintCSRFToken()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/login",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	return token
}

type loginSubmission struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Next      string `json:"next"`
	CSRFToken string `json:"csrf_token"`
}

func (h *LoginHandler) submit(w http.ResponseWriter, r *http.Request) {
	var sub loginSubmission
	asJSON := isJSONSubmission(r)
	if asJSON {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&sub); err != nil {
			writeLoginJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.renderForm(w, r, "Invalid request.", http.StatusBadRequest)
			return
		}
		sub = loginSubmission{
			Username:  r.PostFormValue("username"),
			Password:  r.PostFormValue("password"),
			Next:      r.PostFormValue("next"),
			CSRFToken: r.PostFormValue("csrf_token"),
		}
	}
	// The header echo wins over the body field when both are present.
	if tok := r.Header.Get("X-CSRF-Token"); tok != "" {
		sub.CSRFToken = tok
	}

	if !h.checkCSRF(r, sub.CSRFToken) {
		if asJSON {
			writeLoginJSONError(w, http.StatusForbidden, "csrf token mismatch")
			return
		}
		h.renderForm(w, r, "Session expired, try again.", http.StatusForbidden)
		return
	}

	if h.auth.LockedOut(r) {
		h.lockedOut(w, asJSON)
		return
	}

	id, err := h.auth.CheckPassword(r.Context(), sub.Username, sub.Password)
	if err != nil {
		h.auth.FailFrom(r, err)
		if h.auth.LockedOut(r) {
			h.lockedOut(w, asJSON)
			return
		}
		switch {
		case errors.Is(err, ErrUserDisabled):
			w.WriteHeader(http.StatusInternalServerError)
		case errors.Is(err, ErrConfigUnavailable):
			http.Error(w, "auth config unavailable", http.StatusInternalServerError)
		case asJSON:
			writeLoginJSONError(w, http.StatusUnauthorized, "wrong username or passphrase")
		default:
			h.renderForm(w, r, "Wrong username or passphrase.", http.StatusUnauthorized)
		}
		return
	}
	h.auth.SuccessFrom(r)

	u, err := h.auth.store.GetUser(r.Context(), id.User)
	if err != nil || u == nil {
		http.Error(w, "auth config unavailable", http.StatusInternalServerError)
		return
	}
	sessionID, err := h.auth.store.CreateSession(r.Context(), u.Name)
	if err != nil {
		slog.Error("create session failed", "error", err)
		http.Error(w, "auth config unavailable", http.StatusInternalServerError)
		return
	}
	SetCookie(w, r, h.auth.MintCookie(u, sessionID), h.auth.cfg.Current().CookieTTL())

	// Drop the used CSRF token.
	http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "", Path: "/login", MaxAge: -1})

	next := sanitizeNext(sub.Next)
	if asJSON {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"next": next})
		return
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (h *LoginHandler) lockedOut(w http.ResponseWriter, asJSON bool) {
	if asJSON {
		writeLoginJSONError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}
	http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
}

func (h *LoginHandler) checkCSRF(r *http.Request, token string) bool {
	c, err := r.Cookie(csrfCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(token)) == 1
}

func writeLoginJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func mintCSRFToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// sanitizeNext restricts post-login redirects to same-origin paths.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
