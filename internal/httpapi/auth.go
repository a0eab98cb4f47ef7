// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joy-highfidelity/hifi/lib/clock"
)

// Authenticator gates access to every route except GET /id, the OAuth
// callback, and the GET /metrics and GET /healthz observability routes,
// per spec.md §4.7's three mutually exclusive strategies.
type Authenticator interface {
	// Authenticate either lets the request through (returning true) or
	// has already written an appropriate response (redirect, 401) and
	// returns false.
	Authenticate(w http.ResponseWriter, r *http.Request) (username string, ok bool)
}

// OpenAuthenticator accepts every request, per spec.md §4.7 strategy 3.
type OpenAuthenticator struct{}

func (OpenAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	return "", true
}

// BasicAuthenticator implements spec.md §4.7 strategy 2: HTTP Basic
// against a fixed username and a SHA-256 hex digest of the password.
type BasicAuthenticator struct {
	Username       string
	PasswordSHA256 string // hex-encoded
}

func (b BasicAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, password, ok := r.BasicAuth()
	if ok {
		sum := sha256.Sum256([]byte(password))
		gotHex := hex.EncodeToString(sum[:])
		userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(b.Username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(gotHex), []byte(b.PasswordSHA256)) == 1
		if userMatch && passMatch {
			return username, true
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="domain-server"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return "", false
}

// OAuthProfileFetcher exchanges an authorization code for a token and
// fetches the user's profile, per spec.md §4.7 strategy 1.
type OAuthProfileFetcher interface {
	AuthorizationURL(state string) string
	ExchangeAndFetchProfile(ctx context.Context, code string) (username string, roles []string, err error)
}

type session struct {
	username string
	expires  time.Time
}

// OAuthAuthenticator implements spec.md §4.7 strategy 1: session
// cookie issued after an OAuth round trip, gated by an admin allow
// list of usernames or roles.
type OAuthAuthenticator struct {
	Provider   OAuthProfileFetcher
	AdminUsers map[string]bool
	AdminRoles map[string]bool
	Clock      clock.Clock

	mu       sync.Mutex
	pending  map[string]time.Time // state -> issued-at
	sessions map[string]session   // cookie value -> session
}

const (
	oauthStateTTL    = 10 * time.Minute
	oauthSessionTTL  = 30 * 24 * time.Hour // one month
	sessionCookie    = "domain_session"
)

// NewOAuthAuthenticator constructs an OAuthAuthenticator.
func NewOAuthAuthenticator(provider OAuthProfileFetcher, adminUsers, adminRoles []string, c clock.Clock) *OAuthAuthenticator {
	if c == nil {
		c = clock.Real()
	}
	users := make(map[string]bool, len(adminUsers))
	for _, u := range adminUsers {
		users[u] = true
	}
	roles := make(map[string]bool, len(adminRoles))
	for _, r := range adminRoles {
		roles[r] = true
	}
	return &OAuthAuthenticator{
		Provider:   provider,
		AdminUsers: users,
		AdminRoles: roles,
		Clock:      c,
		pending:    make(map[string]time.Time),
		sessions:   make(map[string]session),
	}
}

func (a *OAuthAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err == nil {
		a.mu.Lock()
		sess, found := a.sessions[cookie.Value]
		if found && a.Clock.Now().Before(sess.expires) {
			a.mu.Unlock()
			return sess.username, true
		}
		if found {
			delete(a.sessions, cookie.Value)
		}
		a.mu.Unlock()
	}

	state := uuid.NewString()
	a.mu.Lock()
	a.pending[state] = a.Clock.Now()
	a.mu.Unlock()

	http.Redirect(w, r, a.Provider.AuthorizationURL(state), http.StatusFound)
	return "", false
}

// HandleCallback serves the /oauth callback: exchanges the code,
// checks the admin allow list, and on success issues a session
// cookie with a one-month expiry.
func (a *OAuthAuthenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	a.mu.Lock()
	issuedAt, ok := a.pending[state]
	if ok {
		delete(a.pending, state)
	}
	a.mu.Unlock()

	if !ok || a.Clock.Now().Sub(issuedAt) > oauthStateTTL {
		http.Error(w, "invalid or expired oauth state", http.StatusBadRequest)
		return
	}

	username, roles, err := a.Provider.ExchangeAndFetchProfile(r.Context(), code)
	if err != nil {
		http.Error(w, "oauth exchange failed", http.StatusBadGateway)
		return
	}

	if !a.AdminUsers[username] && !a.hasAdminRole(roles) {
		http.Error(w, "not an administrator", http.StatusForbidden)
		return
	}

	value := uuid.NewString()
	a.mu.Lock()
	a.sessions[value] = session{username: username, expires: a.Clock.Now().Add(oauthSessionTTL)}
	a.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		Expires:  a.Clock.Now().Add(oauthSessionTTL),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *OAuthAuthenticator) hasAdminRole(roles []string) bool {
	for _, role := range roles {
		if a.AdminRoles[role] {
			return true
		}
	}
	return false
}
