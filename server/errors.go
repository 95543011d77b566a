package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the discriminator carried in every error envelope. Browser
// retry logic keys off the kind, not the upstream status code conventions.
type ErrorKind string

const (
	// KindUnauthenticated means no usable token exists; the user must log in.
	KindUnauthenticated ErrorKind = "unauthenticated"
	// KindTokenExpired is recoverable: the caller should refresh and retry once.
	KindTokenExpired ErrorKind = "token_expired"
	// KindRefreshInvalid means the refresh token itself was rejected. Terminal;
	// forces a full re-login.
	KindRefreshInvalid ErrorKind = "refresh_invalid"
	// KindResourceUnavailable means the upstream resource is temporarily
	// unreachable (e.g. a sleeping vehicle). Not an auth failure.
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	// KindUpstreamRejected covers other upstream 4xx responses.
	KindUpstreamRejected ErrorKind = "upstream_rejected"
	// KindUpstreamUnavailable covers network failures and upstream 5xx.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
)

// GatewayError is the normalized failure shape flowing out of the exchange
// service, the auth gate, and the dispatcher.
type GatewayError struct {
	Kind     ErrorKind
	Message  string
	Upstream int // upstream HTTP status, when one was received
	Err      error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Errf builds a GatewayError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to upstream_unavailable for
// errors that did not come through the gateway taxonomy.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUpstreamUnavailable
}

// errorEnvelope is the JSON body rendered for any failure.
type errorEnvelope struct {
	Error          string    `json:"error"`
	Kind           ErrorKind `json:"kind"`
	UpstreamStatus int       `json:"upstreamStatus,omitempty"`
}

func statusForKind(kind ErrorKind, upstream int) int {
	switch kind {
	case KindUnauthenticated, KindTokenExpired, KindRefreshInvalid:
		return http.StatusUnauthorized
	case KindResourceUnavailable:
		return http.StatusRequestTimeout
	case KindUpstreamRejected:
		if upstream >= 400 && upstream < 500 {
			return upstream
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// writeError renders err as an error envelope with the status mapped from
// its kind.
func writeError(w http.ResponseWriter, err error) {
	env := errorEnvelope{Error: err.Error(), Kind: KindUpstreamUnavailable}
	var ge *GatewayError
	if errors.As(err, &ge) {
		env.Kind = ge.Kind
		env.UpstreamStatus = ge.Upstream
	}
	writeJSONStatus(w, statusForKind(env.Kind, env.UpstreamStatus), env)
}

// writeBadRequest renders a plain 400 envelope for malformed client input,
// which has no place in the upstream-facing taxonomy.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstream relays a raw upstream JSON payload.
func writeUpstream(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	if len(payload) == 0 {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(payload)
}
