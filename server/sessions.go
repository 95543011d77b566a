package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "fg_session"

// SessionManager handles the cookie that binds a browser to its slot in the
// token store. The cookie carries only an opaque key; token lifetimes are
// tracked on the record itself and are independent of the cookie TTL.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	// The front end is typically served from another origin, so Lax is the
	// strictest mode that still lets the cookie travel on top-level redirects.
	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Key returns the session key from the request cookie, or "" when absent.
func (sm *SessionManager) Key(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Ensure returns the request's session key, minting a new one and setting the
// cookie when the browser arrived without one.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) string {
	if key := sm.Key(r); key != "" {
		return key
	}

	key := sm.store.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    key,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return key
}

// Clear removes the session's token record and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, key string) {
	if key != "" {
		sm.store.Clear(key)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
