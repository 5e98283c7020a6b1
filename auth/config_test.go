package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ServerURL:    "https://sso.example.com",
		Realm:        "gist",
		ClientID:     "gistdash",
		RedirectURI:  "https://dash.example.com/auth/callback",
		RequiredRole: "gist-analyst",
		Scopes:       []string{"openid", "profile", "email"},
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KEYCLOAK_SERVER_URL", "https://sso.example.com")
	t.Setenv("KEYCLOAK_REALM", "gist")
	t.Setenv("KEYCLOAK_CLIENT_ID", "gistdash")
	t.Setenv("KEYCLOAK_REDIRECT_URI", "https://dash.example.com/auth/callback")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gist", cfg.Realm)
	assert.Equal(t, "gist-analyst", cfg.RequiredRole)
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.Scopes)
	assert.Equal(t, 60*time.Second, cfg.ClockSkew)
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("KEYCLOAK_SERVER_URL", "https://sso.example.com")
	t.Setenv("KEYCLOAK_REALM", "")
	t.Setenv("KEYCLOAK_CLIENT_ID", "")
	t.Setenv("KEYCLOAK_REDIRECT_URI", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYCLOAK_REALM")
	assert.Contains(t, err.Error(), "KEYCLOAK_CLIENT_ID")
	assert.Contains(t, err.Error(), "KEYCLOAK_REDIRECT_URI")
	assert.NotContains(t, err.Error(), "KEYCLOAK_SERVER_URL")
}

func TestValidateInsertsOpenIDScope(t *testing.T) {
	cfg := validConfig()
	cfg.Scopes = []string{"profile"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"openid", "profile"}, cfg.Scopes)
}

func TestValidateRejectsEmptyRequiredRole(t *testing.T) {
	cfg := validConfig()
	cfg.RequiredRole = ""
	assert.Error(t, cfg.Validate())
}

func TestIssuer(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "https://sso.example.com/realms/gist", cfg.Issuer())

	cfg.ServerURL = "https://sso.example.com/"
	assert.Equal(t, "https://sso.example.com/realms/gist", cfg.Issuer())
}

func TestResolveEndpointsFromOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.AuthorizeURL = "https://sso.example.com/authorize"
	cfg.TokenURL = "https://sso.example.com/token"
	cfg.JWKSURL = "https://sso.example.com/jwks"
	cfg.EndSessionURL = "https://sso.example.com/logout"

	ep, err := cfg.ResolveEndpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://sso.example.com/authorize", ep.AuthorizeURL)
	assert.Equal(t, "https://sso.example.com/token", ep.TokenURL)
	assert.Equal(t, "https://sso.example.com/jwks", ep.JWKSURL)
	assert.Equal(t, "https://sso.example.com/logout", ep.EndSessionURL)
}

func TestResolveEndpointsViaDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	issuer := srv.URL + "/realms/gist"
	mux.HandleFunc("/realms/gist/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
			"token_endpoint":         issuer + "/protocol/openid-connect/token",
			"jwks_uri":               issuer + "/protocol/openid-connect/certs",
			"userinfo_endpoint":      issuer + "/protocol/openid-connect/userinfo",
			"end_session_endpoint":   issuer + "/protocol/openid-connect/logout",
		})
	})

	cfg := validConfig()
	cfg.ServerURL = srv.URL

	ep, err := cfg.ResolveEndpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issuer+"/protocol/openid-connect/auth", ep.AuthorizeURL)
	assert.Equal(t, issuer+"/protocol/openid-connect/token", ep.TokenURL)
	assert.Equal(t, issuer+"/protocol/openid-connect/certs", ep.JWKSURL)
	assert.Equal(t, issuer+"/protocol/openid-connect/userinfo", ep.UserinfoURL)
	assert.Equal(t, issuer+"/protocol/openid-connect/logout", ep.EndSessionURL)
}

func TestOAuth2Config(t *testing.T) {
	cfg := validConfig()
	ep := Endpoints{AuthorizeURL: "https://a", TokenURL: "https://t"}

	oc := cfg.OAuth2Config(ep)
	assert.Equal(t, "gistdash", oc.ClientID)
	assert.Equal(t, "https://dash.example.com/auth/callback", oc.RedirectURL)
	assert.Equal(t, "https://a", oc.Endpoint.AuthURL)
	assert.Equal(t, "https://t", oc.Endpoint.TokenURL)
}
