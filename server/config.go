package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded defaults
const (
	DefaultSessionTTL      = 24 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
	DefaultUpstreamTimeout = 30 * time.Second
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	FrontendURL     string    `yaml:"frontend_url"`
	CORSOrigins     []string  `yaml:"cors_origins"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig describes the external identity provider and resource API.
// The defaults point at the Tesla Fleet API, which is what the dashboard was
// built against, but nothing below assumes them.
type ProviderConfig struct {
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	APIBaseURL   string        `yaml:"api_base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri"`
	Scopes       string        `yaml:"scopes"`
	Audience     string        `yaml:"audience"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SessionConfig controls session cookie and OAuth state lifetimes.
type SessionConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	StateTTL time.Duration `yaml:"state_ttl"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3033",
			DevListenAddr:   "127.0.0.1:3033",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			FrontendURL:     "http://localhost:3000",
			SecretsPath:     ".secrets",
		},
		Provider: ProviderConfig{
			AuthURL:    "https://auth.tesla.com/oauth2/v3/authorize",
			TokenURL:   "https://fleet-auth.prd.vn.cloud.tesla.com/oauth2/v3/token",
			APIBaseURL: "https://fleet-api.prd.na.vn.cloud.tesla.com",
			Scopes: "openid offline_access user_data vehicle_device_data " +
				"vehicle_location vehicle_cmds vehicle_charging_cmds",
			Timeout: DefaultUpstreamTimeout,
		},
		Sessions: SessionConfig{
			TTL:      DefaultSessionTTL,
			StateTTL: DefaultStateTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"FLEETGW_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"FLEETGW_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"FLEETGW_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"FLEETGW_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"FLEETGW_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"FLEETGW_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"FLEETGW_FRONTEND_URL":      func(v string) { cfg.Server.FrontendURL = v },
		"FLEETGW_CORS_ORIGINS":      func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"FLEETGW_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"FLEETGW_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"FLEETGW_AUTH_URL":          func(v string) { cfg.Provider.AuthURL = v },
		"FLEETGW_TOKEN_URL":         func(v string) { cfg.Provider.TokenURL = v },
		"FLEETGW_API_BASE_URL":      func(v string) { cfg.Provider.APIBaseURL = v },
		"FLEETGW_CLIENT_ID":         func(v string) { cfg.Provider.ClientID = v },
		"FLEETGW_CLIENT_SECRET":     func(v string) { cfg.Provider.ClientSecret = v },
		"FLEETGW_REDIRECT_URI":      func(v string) { cfg.Provider.RedirectURI = v },
		"FLEETGW_SCOPES":            func(v string) { cfg.Provider.Scopes = v },
		"FLEETGW_AUDIENCE":          func(v string) { cfg.Provider.Audience = v },
		"FLEETGW_UPSTREAM_TIMEOUT":  func(v string) { cfg.Provider.Timeout = parseDuration(v, cfg.Provider.Timeout) },
		"FLEETGW_SESSION_TTL":       func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"FLEETGW_STATE_TTL":         func(v string) { cfg.Sessions.StateTTL = parseDuration(v, cfg.Sessions.StateTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	for _, field := range []struct{ name, value string }{
		{"provider.auth_url", c.Provider.AuthURL},
		{"provider.token_url", c.Provider.TokenURL},
		{"provider.api_base_url", c.Provider.APIBaseURL},
	} {
		if !strings.HasPrefix(field.value, "http://") && !strings.HasPrefix(field.value, "https://") {
			return fmt.Errorf("%s must be a valid HTTP(S) URL, got: %q", field.name, field.value)
		}
	}

	if !c.Server.DevMode {
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required in production mode")
		}
		if c.Provider.RedirectURI == "" {
			return errors.New("provider.redirect_uri is required in production mode")
		}
	}

	if c.Provider.Timeout <= 0 {
		return errors.New("provider.timeout must be positive")
	}
	if c.Sessions.TTL <= 0 || c.Sessions.StateTTL <= 0 {
		return errors.New("sessions.ttl and sessions.state_ttl must be positive")
	}

	return nil
}
