package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gistdash/authgate/auth"
	"github.com/gistdash/authgate/session"
	"github.com/gistdash/authgate/token"
)

// authStack is the full HTTP surface wired against a fake provider.
type authStack struct {
	handler   *AuthHandler
	protected http.Handler
	idpURL    string
}

func newAuthStack(t *testing.T) *authStack {
	t.Helper()

	cfg := &auth.Config{
		ServerURL:    "https://sso.example.com",
		Realm:        "gist",
		ClientID:     "gistdash",
		RedirectURI:  "https://dash.example.com/auth/callback",
		RequiredRole: "gist-analyst",
		Scopes:       []string{"openid"},
		PendingTTL:   10 * time.Minute,
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		claims := jwt.MapClaims{
			"iss":          cfg.Issuer(),
			"aud":          cfg.ClientID,
			"sub":          "user-123",
			"exp":          now.Add(5 * time.Minute).Unix(),
			"iat":          now.Unix(),
			"realm_access": map[string]any{"roles": []any{"gist-analyst"}},
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		raw, err := tok.SignedString(priv)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": raw,
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	endpoints := auth.Endpoints{
		AuthorizeURL:  idp.URL + "/authorize",
		TokenURL:      idp.URL + "/token",
		JWKSURL:       idp.URL + "/jwks",
		EndSessionURL: idp.URL + "/logout",
	}

	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	sessions := session.NewManager(store, session.ManagerConfig{PendingTTL: 10 * time.Minute})

	keys := token.NewKeySet(token.KeySetConfig{URL: endpoints.JWKSURL})
	validator := token.NewValidator(keys, token.ValidatorConfig{Issuer: cfg.Issuer(), Audience: cfg.ClientID})
	flow := auth.NewFlow(cfg, endpoints, validator, sessions, zerolog.Nop())

	cookie := newTestCookie(t)
	loader := NewSessionLoader(sessions, cookie, zerolog.Nop())
	handler := NewAuthHandler(flow, sessions, loader, cookie, zerolog.Nop(), "/auth")

	gate := auth.NewGate(sessions)
	protected := loader.Wrap(RequireRole(gate, cfg.RequiredRole, handler.LoginPath(),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	return &authStack{handler: handler, protected: protected, idpURL: idp.URL}
}

// login drives GET /auth/login and returns the session cookie and the
// authorize redirect the browser would follow.
func (st *authStack) login(t *testing.T) ([]*http.Cookie, *url.URL) {
	t.Helper()
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return rec.Result().Cookies(), loc
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req
}

func TestLoginRedirectsToProvider(t *testing.T) {
	st := newAuthStack(t)
	cookies, loc := st.login(t)

	require.NotEmpty(t, cookies)
	assert.Equal(t, st.idpURL+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
}

func TestCallbackCompletesLogin(t *testing.T) {
	st := newAuthStack(t)
	cookies, loc := st.login(t)

	cb := httptest.NewRequest(http.MethodGet,
		"/auth/callback?state="+url.QueryEscape(loc.Query().Get("state"))+"&code=code-1", nil)
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, withCookies(cb, cookies))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	// The protected page now admits the visitor.
	page := httptest.NewRecorder()
	st.protected.ServeHTTP(page, withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
	assert.Equal(t, http.StatusOK, page.Code)
}

func TestCallbackWithForeignStateFails(t *testing.T) {
	st := newAuthStack(t)
	cookies, _ := st.login(t)

	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?state=forged&code=code-1", nil)
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, withCookies(cb, cookies))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no longer valid")
	assert.Contains(t, rec.Body.String(), "/auth/login")
}

func TestCallbackWithoutLoginAttemptFails(t *testing.T) {
	st := newAuthStack(t)

	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?state=whatever&code=code-1", nil)
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, cb)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutEndsLocalAndProviderSession(t *testing.T) {
	st := newAuthStack(t)
	cookies, loc := st.login(t)

	cb := httptest.NewRequest(http.MethodGet,
		"/auth/callback?state="+url.QueryEscape(loc.Query().Get("state"))+"&code=code-1", nil)
	st.handler.ServeHTTP(httptest.NewRecorder(), withCookies(cb, cookies))

	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, withCookies(httptest.NewRequest(http.MethodGet, "/auth/logout", nil), cookies))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), st.idpURL+"/logout"))

	// The protected page bounces the visitor back to login.
	page := httptest.NewRecorder()
	st.protected.ServeHTTP(page, withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
	assert.Equal(t, http.StatusFound, page.Code)
	assert.Equal(t, "/auth/login", page.Header().Get("Location"))
}

func TestValidateNextURL(t *testing.T) {
	assert.Equal(t, "/reports", validateNextURL("/reports"))
	assert.Equal(t, "/", validateNextURL(""))
	assert.Equal(t, "/", validateNextURL("https://evil.example.com"))
	assert.Equal(t, "/", validateNextURL("//evil.example.com"))
	assert.Equal(t, "/", validateNextURL("relative/path"))
}
