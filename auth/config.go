package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ilyakaznacheev/cleanenv"
	"golang.org/x/oauth2"
)

// Config is the subsystem's startup configuration. It is read once from the
// environment and validated eagerly: a missing required value must halt the
// process before it serves a single request, never surface as a per-request
// failure.
type Config struct {
	// ServerURL is the identity provider's base URL, e.g.
	// https://sso.example.com.
	ServerURL string `env:"KEYCLOAK_SERVER_URL"`
	// Realm is the provider-side tenant the dashboard's users live in.
	Realm string `env:"KEYCLOAK_REALM"`
	// ClientID is this application's registered client identifier.
	ClientID string `env:"KEYCLOAK_CLIENT_ID"`
	// ClientSecret is empty for public clients. PKCE is sent either way; for
	// a public client it is the only thing binding the code to us.
	ClientSecret string `env:"KEYCLOAK_CLIENT_SECRET"`
	// RedirectURI is the callback URL registered with the provider.
	RedirectURI string `env:"KEYCLOAK_REDIRECT_URI"`

	// RequiredRole gates access to the dashboard.
	RequiredRole string `env:"DASHBOARD_REQUIRED_ROLE" env-default:"gist-analyst"`

	Scopes []string `env:"AUTH_SCOPES" env-separator:" " env-default:"openid profile email"`

	ClockSkew   time.Duration `env:"AUTH_CLOCK_SKEW" env-default:"60s"`
	PendingTTL  time.Duration `env:"AUTH_PENDING_TTL" env-default:"10m"`
	SessionTTL  time.Duration `env:"AUTH_SESSION_TTL" env-default:"12h"`
	KeySetTTL   time.Duration `env:"AUTH_KEYSET_TTL" env-default:"5m"`
	HTTPTimeout time.Duration `env:"AUTH_HTTP_TIMEOUT" env-default:"10s"`

	// Endpoint overrides. When all of authorize, token and JWKS are set,
	// OIDC discovery is skipped entirely.
	AuthorizeURL  string `env:"AUTH_AUTHORIZE_URL"`
	TokenURL      string `env:"AUTH_TOKEN_URL"`
	JWKSURL       string `env:"AUTH_JWKS_URL"`
	UserinfoURL   string `env:"AUTH_USERINFO_URL"`
	EndSessionURL string `env:"AUTH_LOGOUT_URL"`
}

// LoadConfig reads the configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required values and normalizes the scope list to
// always include "openid".
func (c *Config) Validate() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "KEYCLOAK_SERVER_URL")
	}
	if c.Realm == "" {
		missing = append(missing, "KEYCLOAK_REALM")
	}
	if c.ClientID == "" {
		missing = append(missing, "KEYCLOAK_CLIENT_ID")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "KEYCLOAK_REDIRECT_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.RequiredRole == "" {
		return errors.New("required role must not be empty")
	}

	hasOpenID := false
	for _, s := range c.Scopes {
		if s == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		c.Scopes = append([]string{oidc.ScopeOpenID}, c.Scopes...)
	}

	return nil
}

// Issuer returns the realm's issuer URL, which tokens must carry verbatim
// in their iss claim.
func (c *Config) Issuer() string {
	return strings.TrimRight(c.ServerURL, "/") + "/realms/" + c.Realm
}

// Endpoints are the provider URLs the flow talks to.
type Endpoints struct {
	AuthorizeURL  string
	TokenURL      string
	JWKSURL       string
	UserinfoURL   string
	EndSessionURL string
}

// discoveryClaims are the fields we need from the provider's well-known
// document beyond what go-oidc exposes directly.
type discoveryClaims struct {
	JWKSURI            string `json:"jwks_uri"`
	UserinfoEndpoint   string `json:"userinfo_endpoint"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// ResolveEndpoints returns the provider endpoints, either from explicit
// configuration or via OIDC discovery against the issuer. Called once at
// startup; a discovery failure is fatal, same as any other configuration
// error.
func (c *Config) ResolveEndpoints(ctx context.Context) (Endpoints, error) {
	if c.AuthorizeURL != "" && c.TokenURL != "" && c.JWKSURL != "" {
		return Endpoints{
			AuthorizeURL:  c.AuthorizeURL,
			TokenURL:      c.TokenURL,
			JWKSURL:       c.JWKSURL,
			UserinfoURL:   c.UserinfoURL,
			EndSessionURL: c.EndSessionURL,
		}, nil
	}

	provider, err := oidc.NewProvider(ctx, c.Issuer())
	if err != nil {
		return Endpoints{}, fmt.Errorf("oidc discovery for %s: %w", c.Issuer(), err)
	}

	var extra discoveryClaims
	if err := provider.Claims(&extra); err != nil {
		return Endpoints{}, fmt.Errorf("oidc discovery document: %w", err)
	}

	ep := provider.Endpoint()
	return Endpoints{
		AuthorizeURL:  ep.AuthURL,
		TokenURL:      ep.TokenURL,
		JWKSURL:       extra.JWKSURI,
		UserinfoURL:   extra.UserinfoEndpoint,
		EndSessionURL: extra.EndSessionEndpoint,
	}, nil
}

// OAuth2Config builds the oauth2 configuration the flow uses for the
// authorize URL and the code exchange.
func (c *Config) OAuth2Config(ep Endpoints) oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthorizeURL,
			TokenURL: ep.TokenURL,
		},
	}
}
