package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ExchangeService performs the two token-endpoint exchanges against the
// identity provider: authorization code for an initial token pair, and
// refresh token for a replacement pair. Both go over the wire as form-encoded
// POSTs with the client credentials in the body, which is what the fleet
// token endpoint expects.
type ExchangeService struct {
	oauth    *oauth2.Config
	audience string
	client   *http.Client
	logger   *slog.Logger
}

// NewExchangeService builds the service from provider configuration. Every
// outbound call is bounded by the configured timeout; a hung token endpoint
// surfaces as upstream_unavailable rather than a stuck request.
func NewExchangeService(cfg ProviderConfig, logger *slog.Logger) *ExchangeService {
	audience := cfg.Audience
	if audience == "" {
		audience = cfg.APIBaseURL
	}

	return &ExchangeService{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       strings.Fields(cfg.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		audience: audience,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// AuthorizationURL constructs the provider's authorization URL embedding the
// given state value.
func (s *ExchangeService) AuthorizationURL(state string) string {
	return s.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("prompt", "login"),
	)
}

// ExchangeCode trades a one-time authorization code for a token record. The
// code is single-use by provider contract: replaying one yields
// upstream_rejected, never a silent success.
func (s *ExchangeService) ExchangeCode(ctx context.Context, code string) (TokenRecord, error) {
	tok, err := s.oauth.Exchange(s.withClient(ctx), code,
		oauth2.SetAuthURLParam("audience", s.audience),
	)
	if err != nil {
		s.logger.Warn("code exchange failed", "error", err)
		return TokenRecord{}, classifyTokenError(err, false)
	}
	return recordFromToken(tok), nil
}

// Refresh trades a refresh token for a replacement token record. A provider
// rejection is terminal: the caller must force a full re-login, not retry.
func (s *ExchangeService) Refresh(ctx context.Context, refreshToken string) (TokenRecord, error) {
	src := s.oauth.TokenSource(s.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		s.logger.Warn("token refresh failed", "error", err)
		return TokenRecord{}, classifyTokenError(err, true)
	}

	rec := recordFromToken(tok)
	if rec.RefreshToken == "" {
		// Provider did not rotate; the old refresh token stays live.
		rec.RefreshToken = refreshToken
	}
	return rec, nil
}

func (s *ExchangeService) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.client)
}

// recordFromToken converts the provider response into a TokenRecord. The
// expiry was computed by the transport at the moment the response arrived
// (now + expires_in), so retries do not accumulate clock skew.
func recordFromToken(tok *oauth2.Token) TokenRecord {
	return TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

// classifyTokenError maps token-endpoint failures into the gateway taxonomy.
// Provider 4xx means the grant itself was rejected; anything else, including
// transport errors and timeouts, is the provider being unavailable.
func classifyTokenError(err error, refreshGrant bool) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		status := rerr.Response.StatusCode
		if status >= 400 && status < 500 {
			if refreshGrant {
				return &GatewayError{
					Kind:     KindRefreshInvalid,
					Message:  "refresh token rejected by provider",
					Upstream: status,
					Err:      err,
				}
			}
			return &GatewayError{
				Kind:     KindUpstreamRejected,
				Message:  "authorization code rejected by provider",
				Upstream: status,
				Err:      err,
			}
		}
		return &GatewayError{
			Kind:     KindUpstreamUnavailable,
			Message:  "identity provider error",
			Upstream: status,
			Err:      err,
		}
	}
	return &GatewayError{
		Kind:    KindUpstreamUnavailable,
		Message: "identity provider unreachable",
		Err:     err,
	}
}

// Timeout exposes the configured upstream timeout for callers that build
// their own deadlines around an exchange.
func (s *ExchangeService) Timeout() time.Duration {
	return s.client.Timeout
}
