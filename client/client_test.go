package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeGateway stands in for the real service: a resource route that rejects
// everything but the current access token with a token_expired envelope, and
// a refresh route that rotates the pair when presented the accepted refresh
// token.
type fakeGateway struct {
	mu           sync.Mutex
	validAT      string
	acceptRT     string
	refreshCalls atomic.Int64
	refreshDelay time.Duration
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"authUrl":"https://idp.test/authorize?state=s1","state":"s1"}`)
	})

	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Code string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Code == "" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"authorization code is required"}`)
			return
		}
		io.WriteString(w, `{"success":true,"expiresIn":3600,"accessToken":"AT1","refreshToken":"RT1"}`)
	})

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		g.refreshCalls.Add(1)
		g.mu.Lock()
		delay, accept := g.refreshDelay, g.acceptRT
		g.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != accept {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"refresh token rejected by provider","kind":"refresh_invalid"}`)
			return
		}

		io.WriteString(w, `{"success":true,"expiresIn":3600,"accessToken":"AT2","refreshToken":"RT2"}`)
	})

	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"authenticated":true,"hasRefreshToken":true}`)
	})

	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true}`)
	})

	mux.HandleFunc("GET /api/vehicles", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		valid := g.validAT
		g.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"access token rejected by resource API","kind":"token_expired","upstreamStatus":401}`)
			return
		}
		io.WriteString(w, `{"response":[{"id":42}]}`)
	})

	mux.HandleFunc("GET /api/vehicles/42/charging", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
		io.WriteString(w, `{"error":"resource temporarily unreachable","kind":"resource_unavailable","upstreamStatus":408}`)
	})

	return mux
}

func newTestClient(t *testing.T, gw *fakeGateway, seed *Tokens) (*Client, *MemoryCache) {
	t.Helper()
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)

	cache := NewMemoryCache()
	if seed != nil {
		cache.Store(*seed)
	}
	c := New(Config{
		BaseURL: srv.URL,
		Cache:   cache,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, cache
}

func TestRefreshAndRetryOnce(t *testing.T) {
	gw := &fakeGateway{validAT: "AT2", acceptRT: "RT1"}
	c, cache := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	payload, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(payload) != `{"response":[{"id":42}]}` {
		t.Errorf("payload = %s", payload)
	}
	if got := gw.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}

	tokens, ok := cache.Load()
	if !ok || tokens.AccessToken != "AT2" || tokens.RefreshToken != "RT2" {
		t.Errorf("cache not rotated: %+v", tokens)
	}
}

func TestRetryStillExpiredIsTerminal(t *testing.T) {
	// The refresh succeeds but the resource rejects even the fresh token.
	// The interceptor must stop after one retry instead of looping.
	gw := &fakeGateway{validAT: "never-matches", acceptRT: "RT1"}
	c, cache := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache must be cleared on terminal expiry")
	}
	if got := gw.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
}

func TestRefreshRejectionClearsCache(t *testing.T) {
	gw := &fakeGateway{validAT: "AT2", acceptRT: "something-else"}
	c, cache := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache must be cleared after refresh rejection")
	}
}

func TestNoRefreshTokenShortCircuits(t *testing.T) {
	gw := &fakeGateway{validAT: "AT2", acceptRT: "RT1"}
	c, cache := newTestClient(t, gw, &Tokens{AccessToken: "AT1"})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if got := gw.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0 when no refresh token is held", got)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache must be cleared")
	}
}

func TestConcurrentExpiryTriggersOneRefresh(t *testing.T) {
	gw := &fakeGateway{validAT: "AT2", acceptRT: "RT1", refreshDelay: 100 * time.Millisecond}
	c, _ := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles", nil)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("worker failed: %v", err)
		}
	}
	if got := gw.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1 for %d concurrent expiries", got, workers)
	}
}

func TestNonAuthErrorsPassThrough(t *testing.T) {
	gw := &fakeGateway{validAT: "AT1", acceptRT: "RT1"}
	c, _ := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/vehicles/42/charging", nil)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if cerr.Kind != "resource_unavailable" || cerr.Status != http.StatusRequestTimeout || cerr.UpstreamStatus != 408 {
		t.Errorf("unexpected error detail: %+v", cerr)
	}
	if got := gw.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, non-auth errors must not trigger refresh", got)
	}
}

func TestLoginFlow(t *testing.T) {
	gw := &fakeGateway{validAT: "AT1", acceptRT: "RT1"}
	c, cache := newTestClient(t, gw, nil)

	authURL, state, err := c.LoginURL(context.Background())
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	if authURL == "" || state != "s1" {
		t.Fatalf("bad login response: %q %q", authURL, state)
	}

	if err := c.CompleteLogin(context.Background(), "abc123", state); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	tokens, ok := cache.Load()
	if !ok || tokens.AccessToken != "AT1" || tokens.RefreshToken != "RT1" {
		t.Fatalf("tokens not stored: %+v", tokens)
	}
	if !tokens.ExpiresAt.After(time.Now()) {
		t.Error("stored expiry must be in the future")
	}

	authed, hasRT, err := c.Status(context.Background())
	if err != nil || !authed || !hasRT {
		t.Fatalf("Status = %v %v %v", authed, hasRT, err)
	}
}

func TestLogoutClearsCache(t *testing.T) {
	gw := &fakeGateway{validAT: "AT1", acceptRT: "RT1"}
	c, cache := newTestClient(t, gw, &Tokens{AccessToken: "AT1", RefreshToken: "RT1"})

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache must be cleared on logout")
	}
}
