// Package client is the Go counterpart of the dashboard's API layer: it
// talks to the gateway, attaches the locally held bearer token, and
// transparently performs one refresh-and-retry cycle when the gateway
// signals an expired token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when recovery is impossible: the refresh
// token was rejected, or a retried request still came back expired. The
// caller must send the user through a full login; the cache has already been
// cleared.
var ErrSessionExpired = errors.New("session expired: login required")

// Error carries the gateway's error envelope for failures the interceptor
// does not recover from.
type Error struct {
	Kind           string
	Status         int
	UpstreamStatus int
	Message        string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind
}

type envelope struct {
	Error          string `json:"error"`
	Kind           string `json:"kind"`
	UpstreamStatus int    `json:"upstreamStatus"`
}

const kindTokenExpired = "token_expired"

// Config configures the gateway client.
type Config struct {
	BaseURL    string
	Cache      TokenCache
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client issues requests against the gateway with automatic expiry recovery.
type Client struct {
	baseURL string
	cache   TokenCache
	http    *http.Client
	logger  *slog.Logger
	refresh singleflight.Group
}

// New creates a client with sane defaults.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		cache:   cache,
		http:    hc,
		logger:  logger,
	}
}

// Do performs one logical request. On a token_expired envelope it refreshes
// exactly once and retries exactly once; a token_expired on the retried
// request is terminal. Concurrent requests racing into expiry share a single
// in-flight refresh, so a provider that rotates refresh tokens on use only
// ever sees one refresh call.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.do(ctx, method, path, body, false)
}

func (c *Client) do(ctx context.Context, method, path string, body any, retried bool) ([]byte, error) {
	used, _ := c.cache.Load()

	payload, status, env, err := c.roundTrip(ctx, method, path, body, used.AccessToken)
	if err != nil {
		return nil, err
	}
	if status < 300 {
		return payload, nil
	}

	if env.Kind == kindTokenExpired {
		if retried {
			// The retried request came back expired again: give up rather
			// than loop.
			c.cache.Clear()
			return nil, ErrSessionExpired
		}
		if err := c.refreshTokens(ctx, used.AccessToken); err != nil {
			return nil, err
		}
		return c.do(ctx, method, path, body, true)
	}

	return nil, &Error{
		Kind:           env.Kind,
		Status:         status,
		UpstreamStatus: env.UpstreamStatus,
		Message:        env.Error,
	}
}

// refreshTokens performs the refresh leg. usedToken is the access token the
// failing request carried: if the cache already holds a different one,
// another request finished refreshing while this one was in flight and there
// is nothing left to do. Otherwise the call is keyed on the refresh token so
// simultaneous callers collapse into one upstream exchange.
func (c *Client) refreshTokens(ctx context.Context, usedToken string) error {
	cached, ok := c.cache.Load()
	if ok && cached.AccessToken != usedToken {
		return nil
	}
	if cached.RefreshToken == "" {
		c.cache.Clear()
		return ErrSessionExpired
	}

	_, err, _ := c.refresh.Do(cached.RefreshToken, func() (any, error) {
		return nil, c.postRefresh(ctx, cached.RefreshToken)
	})
	return err
}

func (c *Client) postRefresh(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refreshToken": refreshToken}
	payload, status, _, err := c.roundTrip(ctx, http.MethodPost, "/auth/refresh", body, "")
	if err != nil {
		return err
	}
	if status >= 300 {
		// Refresh definitively failed: drop all local token state so the
		// session falls back to the unauthenticated view.
		c.logger.Warn("token refresh rejected", "status", status)
		c.cache.Clear()
		return ErrSessionExpired
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.AccessToken == "" {
		c.cache.Clear()
		return ErrSessionExpired
	}

	c.cache.Store(Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	})
	return nil
}

// roundTrip issues one HTTP request and decodes the error envelope on
// failure statuses. bearer is attached as the Authorization header when
// non-empty; pass "" to send the request unauthenticated.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, bearer string) ([]byte, int, envelope, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, envelope{}, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, envelope{}, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, envelope{}, fmt.Errorf("read gateway response: %w", err)
	}

	var env envelope
	if resp.StatusCode >= 300 {
		_ = json.Unmarshal(payload, &env)
	}
	return payload, resp.StatusCode, env, nil
}

// LoginURL asks the gateway for a provider authorization URL and its state.
func (c *Client) LoginURL(ctx context.Context) (authURL, state string, err error) {
	payload, status, env, err := c.roundTrip(ctx, http.MethodGet, "/auth/login", nil, "")
	if err != nil {
		return "", "", err
	}
	if status >= 300 {
		return "", "", &Error{Kind: env.Kind, Status: status, Message: env.Error}
	}

	var resp struct {
		AuthURL string `json:"authUrl"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", "", fmt.Errorf("decode login response: %w", err)
	}
	return resp.AuthURL, resp.State, nil
}

// CompleteLogin exchanges the callback code via the gateway and persists the
// resulting token pair.
func (c *Client) CompleteLogin(ctx context.Context, code, state string) error {
	body := map[string]string{"code": code, "state": state}
	payload, status, env, err := c.roundTrip(ctx, http.MethodPost, "/auth/token", body, "")
	if err != nil {
		return err
	}
	if status >= 300 {
		return &Error{Kind: env.Kind, Status: status, UpstreamStatus: env.UpstreamStatus, Message: env.Error}
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.AccessToken == "" {
		return fmt.Errorf("decode token response")
	}

	c.cache.Store(Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	})
	return nil
}

// Status reports the gateway's view of the session.
func (c *Client) Status(ctx context.Context) (authenticated, hasRefreshToken bool, err error) {
	used, _ := c.cache.Load()
	payload, status, env, err := c.roundTrip(ctx, http.MethodGet, "/auth/status", nil, used.AccessToken)
	if err != nil {
		return false, false, err
	}
	if status >= 300 {
		return false, false, &Error{Kind: env.Kind, Status: status, Message: env.Error}
	}

	var resp struct {
		Authenticated   bool `json:"authenticated"`
		HasRefreshToken bool `json:"hasRefreshToken"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return false, false, fmt.Errorf("decode status response: %w", err)
	}
	return resp.Authenticated, resp.HasRefreshToken, nil
}

// Logout clears the server-side session and the local cache. Both holders of
// the token record are cleared so a later request starts unauthenticated.
func (c *Client) Logout(ctx context.Context) error {
	_, status, env, err := c.roundTrip(ctx, http.MethodPost, "/auth/logout", nil, "")
	c.cache.Clear()
	if err != nil {
		return err
	}
	if status >= 300 {
		return &Error{Kind: env.Kind, Status: status, Message: env.Error}
	}
	return nil
}
