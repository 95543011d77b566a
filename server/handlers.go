package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Exchange *ExchangeService
	Dispatch *Dispatcher
	Gate     *AuthGate
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) *App {
	store := NewInMemoryStore()
	sessions := NewSessionManager(cfg, store, logger)

	gate := NewAuthGate(logger,
		&SessionResolver{Sessions: sessions, Store: store},
		BearerResolver{},
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Exchange: NewExchangeService(cfg.Provider, logger),
		Dispatch: NewDispatcher(cfg.Provider, logger),
		Gate:     gate,
	}
}

// handleLogin mints a state value, records it, and returns the provider's
// authorization URL for the browser to navigate to.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := a.Store.NewID()
	a.Store.PutState(StateEntry{Value: state, CreatedAt: time.Now()})
	a.Store.SweepStates(a.Config.Sessions.StateTTL)

	writeJSON(w, LoginResponse{
		AuthURL: a.Exchange.AuthorizationURL(state),
		State:   state,
	})
}

// handleCallback relays the provider redirect to the front end, which owns
// the page that completes the flow by posting the code to /auth/token.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		writeBadRequest(w, "authorization code not received")
		return
	}

	target, err := url.Parse(strings.TrimSuffix(a.Config.Server.FrontendURL, "/") + "/callback")
	if err != nil {
		a.Logger.Error("bad frontend url", "error", err)
		writeBadRequest(w, "callback relay misconfigured")
		return
	}
	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// handleToken exchanges an authorization code and persists the resulting
// record server-side. State validation is best-effort CSRF mitigation, not a
// capability check: the server may have restarted since the login URL was
// minted, so an unknown state is logged but does not fail the exchange.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "authorization code is required")
		return
	}

	if req.State != "" && !a.Store.ConsumeState(req.State, a.Config.Sessions.StateTTL) {
		a.Logger.Warn("oauth state unknown or stale", "state", req.State)
	}

	rec, err := a.Exchange.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	key := a.Sessions.Ensure(w, r)
	a.Store.Put(key, rec)
	a.Logger.Info("session authenticated", "has_refresh_token", rec.RefreshToken != "")

	writeJSON(w, TokenResponse{
		Success:      true,
		ExpiresIn:    rec.ExpiresIn(time.Now()),
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleRefresh mints a replacement token pair. The server-side session's
// refresh token is preferred; the body value supports the stateless client
// that holds its own. A definitive provider rejection destroys the session so
// client and server state cannot diverge.
func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	key := a.Sessions.Key(r)
	refreshToken := req.RefreshToken
	if key != "" {
		if rec, ok := a.Store.Get(key); ok && rec.RefreshToken != "" {
			refreshToken = rec.RefreshToken
		}
	}
	if refreshToken == "" {
		writeError(w, Errf(KindUnauthenticated, "no refresh token available"))
		return
	}

	rec, err := a.Exchange.Refresh(r.Context(), refreshToken)
	if err != nil {
		if KindOf(err) == KindRefreshInvalid && key != "" {
			a.Store.Clear(key)
		}
		writeError(w, err)
		return
	}

	if key == "" {
		key = a.Sessions.Ensure(w, r)
	}
	a.Store.Put(key, rec)

	writeJSON(w, TokenResponse{
		Success:      true,
		ExpiresIn:    rec.ExpiresIn(time.Now()),
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
	})
}

// handleStatus reports whether the caller currently holds a usable token.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resolved, ok := a.Gate.Resolve(r)
	authenticated := ok
	if ok && resolved.Source == SourceSession && resolved.Record.Expired(time.Now()) {
		authenticated = false
	}

	writeJSON(w, StatusResponse{
		Authenticated:   authenticated,
		HasRefreshToken: ok && resolved.Record.RefreshToken != "",
	})
}

// handleLogout destroys the server-side session. The client is responsible
// for separately discarding any locally held tokens.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, a.Sessions.Key(r))
	writeJSON(w, map[string]any{"success": true})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
