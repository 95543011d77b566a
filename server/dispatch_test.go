package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, baseURL string) *Dispatcher {
	t.Helper()
	cfg := DefaultConfig().Provider
	cfg.APIBaseURL = baseURL
	cfg.Timeout = 5 * time.Second
	return NewDispatcher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcherStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantErr    bool
		wantStatus int
	}{
		{name: "success", status: 200, body: `{"response":[]}`},
		{name: "conflict is benign", status: 409, body: `{"error":"already registered"}`},
		{name: "unauthorized", status: 401, wantErr: true, wantKind: KindTokenExpired, wantStatus: 401},
		{name: "request timeout", status: 408, wantErr: true, wantKind: KindResourceUnavailable, wantStatus: 408},
		{name: "not found", status: 404, body: `{"error":"vehicle not found"}`, wantErr: true, wantKind: KindUpstreamRejected, wantStatus: 404},
		{name: "server error", status: 503, wantErr: true, wantKind: KindUpstreamUnavailable, wantStatus: 503},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if got := r.Header.Get("Authorization"); got != "Bearer AT1" {
					t.Errorf("Authorization = %q, want Bearer AT1", got)
				}
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			d := newTestDispatcher(t, srv.URL)
			payload, err := d.Do(context.Background(), "AT1", http.MethodGet, "/api/1/vehicles", nil)

			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for status %d", tc.status)
				}
				var gerr *GatewayError
				if !errors.As(err, &gerr) {
					t.Fatalf("error is not a GatewayError: %v", err)
				}
				if gerr.Kind != tc.wantKind {
					t.Errorf("kind = %q, want %q", gerr.Kind, tc.wantKind)
				}
				if gerr.Upstream != tc.wantStatus {
					t.Errorf("upstream = %d, want %d", gerr.Upstream, tc.wantStatus)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if string(payload) != tc.body {
					t.Errorf("payload = %q, want %q", payload, tc.body)
				}
			}

			// One upstream call per Do, regardless of outcome.
			if calls.Load() != 1 {
				t.Errorf("upstream calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestDispatcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := newTestDispatcher(t, url)
	_, err := d.Do(context.Background(), "AT1", http.MethodGet, "/api/1/vehicles", nil)
	if KindOf(err) != KindUpstreamUnavailable {
		t.Fatalf("kind = %q, want %q (err: %v)", KindOf(err), KindUpstreamUnavailable, err)
	}
}

func TestDispatcherEncodesBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		io.WriteString(w, `{"response":{"result":true}}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	_, err := d.Do(context.Background(), "AT1", http.MethodPost, "/api/1/vehicles/42/command/door_lock", map[string]any{"which_trunk": "rear"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if string(gotBody) != `{"which_trunk":"rear"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestUpstreamDetail(t *testing.T) {
	if got := upstreamDetail([]byte(`{"error":"invalid command"}`), 400); got != "invalid command" {
		t.Errorf("got %q", got)
	}
	if got := upstreamDetail([]byte(`not json`), 418); got != "resource API returned 418" {
		t.Errorf("got %q", got)
	}
}
