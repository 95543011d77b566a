package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxUpstreamBody caps how much of an upstream response is buffered.
const maxUpstreamBody = 4 << 20

// Dispatcher issues authenticated calls against the fleet API and translates
// its status-code conventions into the gateway error vocabulary. It performs
// no retries: recovering from an expired token is the client interceptor's
// job, keeping "detect expiry" and "recover from expiry" apart.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher for the configured resource API.
func NewDispatcher(cfg ProviderConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		baseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Do issues one call with the given bearer token and returns the raw JSON
// payload. Mapping: 401 means the token is expired or invalid, upstream being
// authoritative even when the local expiry check passed; 408 means the
// resource is temporarily unreachable (a sleeping vehicle, not an error in
// the request); 409 is a benign duplicate-state signal and passes through as
// success; remaining 4xx/5xx keep the upstream status for diagnostics.
func (d *Dispatcher) Do(ctx context.Context, accessToken, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("upstream request failed", "method", method, "path", path, "error", err)
		return nil, &GatewayError{Kind: KindUpstreamUnavailable, Message: "resource API unreachable", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &GatewayError{Kind: KindUpstreamUnavailable, Message: "read upstream response", Err: err}
	}

	switch {
	case resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict:
		return payload, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &GatewayError{Kind: KindTokenExpired, Message: "access token rejected by resource API", Upstream: resp.StatusCode}
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, &GatewayError{Kind: KindResourceUnavailable, Message: "resource temporarily unreachable", Upstream: resp.StatusCode}
	case resp.StatusCode < 500:
		return nil, &GatewayError{
			Kind:     KindUpstreamRejected,
			Message:  upstreamDetail(payload, resp.StatusCode),
			Upstream: resp.StatusCode,
		}
	default:
		return nil, &GatewayError{
			Kind:     KindUpstreamUnavailable,
			Message:  upstreamDetail(payload, resp.StatusCode),
			Upstream: resp.StatusCode,
		}
	}
}

// upstreamDetail pulls a human-readable message out of an upstream error
// body when one is present.
func upstreamDetail(payload []byte, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("resource API returned %d", status)
}
