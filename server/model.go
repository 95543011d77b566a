package server

import "time"

// TokenRecord is the unit of authentication state for one session: the
// bearer credential for the fleet API, the refresh credential used to mint
// replacements, and the absolute expiry of the access token. A record is
// always replaced wholesale, never field by field.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token's expiry is known and has passed.
// A zero ExpiresAt means the expiry is unknown (bearer supplied out-of-band)
// and the record is treated as live; upstream is authoritative in that case.
func (t TokenRecord) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ExpiresIn returns the whole seconds remaining until expiry, clamped at zero.
func (t TokenRecord) ExpiresIn(now time.Time) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	secs := int64(t.ExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// StateEntry tracks an outstanding authorization redirect. Each value is
// consumed at most once and is invalid after the configured window even if
// unconsumed.
type StateEntry struct {
	Value     string
	CreatedAt time.Time
}

// TokenResponse is the reply shape for /auth/token and /auth/refresh. The
// token fields are included so a statically hosted front end that cannot
// share cookies with the gateway can hold its own copy.
type TokenResponse struct {
	Success      bool   `json:"success"`
	ExpiresIn    int64  `json:"expiresIn"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// StatusResponse is the reply shape for /auth/status.
type StatusResponse struct {
	Authenticated   bool `json:"authenticated"`
	HasRefreshToken bool `json:"hasRefreshToken"`
}

// LoginResponse is the reply shape for /auth/login.
type LoginResponse struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}
