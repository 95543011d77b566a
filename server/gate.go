package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenSource tags where a resolved token came from, which decides whether
// its expiry can be checked locally.
type TokenSource int

const (
	// SourceSession is a token held server-side for the request's session;
	// its expiry is known and enforced before any upstream call.
	SourceSession TokenSource = iota
	// SourceBearer is a caller-supplied bearer credential. The gate does not
	// decode it: it is unverifiable-but-usable, and upstream is authoritative.
	SourceBearer
)

// ResolvedToken is the outcome of token resolution for one request.
type ResolvedToken struct {
	Record TokenRecord
	Source TokenSource
}

// TokenResolver produces a candidate token for a request, if it has one.
type TokenResolver interface {
	Resolve(r *http.Request) (ResolvedToken, bool)
}

// SessionResolver resolves tokens from the server-side session store.
type SessionResolver struct {
	Sessions *SessionManager
	Store    *InMemoryStore
}

func (sr *SessionResolver) Resolve(r *http.Request) (ResolvedToken, bool) {
	key := sr.Sessions.Key(r)
	if key == "" {
		return ResolvedToken{}, false
	}
	rec, ok := sr.Store.Get(key)
	if !ok || rec.AccessToken == "" {
		return ResolvedToken{}, false
	}
	return ResolvedToken{Record: rec, Source: SourceSession}, true
}

// BearerResolver resolves tokens from the Authorization header for the
// stateless deployment mode where the browser holds its own tokens.
type BearerResolver struct{}

func (BearerResolver) Resolve(r *http.Request) (ResolvedToken, bool) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return ResolvedToken{}, false
	}
	return ResolvedToken{
		Record: TokenRecord{AccessToken: token},
		Source: SourceBearer,
	}, true
}

// AuthGate decides, per inbound request, whether a usable token exists and
// whether it is expired, before any proxying occurs. It is read-only: it
// never mutates the token store.
type AuthGate struct {
	resolvers []TokenResolver
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthGate builds a gate trying resolvers in order; the first hit wins,
// so the server-side session takes precedence over a bearer header.
func NewAuthGate(logger *slog.Logger, resolvers ...TokenResolver) *AuthGate {
	return &AuthGate{resolvers: resolvers, logger: logger, now: time.Now}
}

// Resolve runs the resolver chain for a request.
func (g *AuthGate) Resolve(r *http.Request) (ResolvedToken, bool) {
	for _, res := range g.resolvers {
		if resolved, ok := res.Resolve(r); ok {
			return resolved, true
		}
	}
	return ResolvedToken{}, false
}

// Middleware guards resource routes. No token rejects with unauthenticated; a
// session token past its known expiry rejects with token_expired, which is
// the signal the client interceptor recovers from. A bearer token with no
// local expiry knowledge is forwarded and upstream gets the final say.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, ok := g.Resolve(r)
		if !ok {
			writeError(w, Errf(KindUnauthenticated, "authentication required"))
			return
		}
		if resolved.Source == SourceSession && resolved.Record.Expired(g.now()) {
			writeError(w, Errf(KindTokenExpired, "access token expired"))
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithToken(r.Context(), resolved)))
	})
}

type resolvedTokenKey struct{}

func contextWithToken(ctx context.Context, tok ResolvedToken) context.Context {
	return context.WithValue(ctx, resolvedTokenKey{}, tok)
}

// TokenFromContext retrieves the token attached by the gate middleware.
func TokenFromContext(ctx context.Context) (ResolvedToken, bool) {
	tok, ok := ctx.Value(resolvedTokenKey{}).(ResolvedToken)
	return tok, ok
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
