package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/gistdash/authgate/session"
	"github.com/gistdash/authgate/token"
)

// Flow orchestrates the authorization-code flow against the identity
// provider: it builds the authorize redirect for a new login attempt and
// turns the provider's callback into an authenticated session.
type Flow struct {
	cfg       *Config
	endpoints Endpoints
	oauth     oauth2.Config
	validator *token.Validator
	sessions  *session.Manager
	roles     *RoleExtractor
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time
}

// NewFlow wires the orchestrator and registers its refresh implementation
// with the session manager so silent refresh re-runs the validator.
func NewFlow(cfg *Config, ep Endpoints, validator *token.Validator, sessions *session.Manager, logger zerolog.Logger) *Flow {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &Flow{
		cfg:       cfg,
		endpoints: ep,
		oauth:     cfg.OAuth2Config(ep),
		validator: validator,
		sessions:  sessions,
		roles:     NewRoleExtractor(cfg.ClientID),
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		now:       time.Now,
	}
	sessions.SetRefreshFunc(f.refreshTokens)
	return f
}

// StartLogin creates a new login attempt for the session and returns the
// provider's authorize URL to redirect the visitor to. Any previous pending
// attempt on the session is replaced.
func (f *Flow) StartLogin(ctx context.Context, s *session.Session) (string, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("generate pkce pair: %w", err)
	}
	state, err := GenerateStateToken()
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}

	pending := &session.PendingLogin{
		State:     state,
		Verifier:  verifier,
		CreatedAt: f.now(),
	}
	if err := f.sessions.StartLogin(ctx, s, pending); err != nil {
		return "", fmt.Errorf("store login attempt: %w", err)
	}

	f.logger.Debug().Str("session", s.ID).Msg("login attempt started")

	return f.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", PKCEChallengeMethod),
	), nil
}

// HandleCallback processes the provider's redirect back to us. On success
// the session is Authenticated and the validated claims are returned; on
// failure a Pending session is returned to Unauthenticated and a typed
// error describes what went wrong. The pending login is consumed either
// way, so a replayed callback URL always fails with a state mismatch, and
// that replay leaves an already Authenticated session intact.
func (f *Flow) HandleCallback(ctx context.Context, s *session.Session, params url.Values) (*token.Claims, error) {
	pending, err := f.sessions.ConsumePending(ctx, s)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		f.logger.Error().Str("session", s.ID).Err(err).Msg("pending login lookup failed")
		return nil, newError(KindSessionStoreUnavailable, fmt.Errorf("load login attempt: %w", err))
	}
	if err != nil || !ValidateState(params.Get("state"), pending, f.sessions.PendingTTL(), f.now()) {
		_ = f.sessions.FailLogin(ctx, s)
		f.logger.Warn().Str("session", s.ID).Msg("callback state validation failed")
		return nil, newError(KindStateMismatch, errors.New("no matching login attempt"))
	}

	if errCode := params.Get("error"); errCode != "" {
		_ = f.sessions.FailLogin(ctx, s)
		return nil, newError(KindTokenExchangeFailed,
			fmt.Errorf("provider error: %s (%s)", errCode, params.Get("error_description")))
	}

	code := params.Get("code")
	if code == "" {
		_ = f.sessions.FailLogin(ctx, s)
		return nil, newError(KindTokenExchangeFailed, errors.New("callback missing authorization code"))
	}

	tok, err := f.oauth.Exchange(f.oauthContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", pending.Verifier),
	)
	if err != nil {
		_ = f.sessions.FailLogin(ctx, s)
		f.logger.Warn().Str("session", s.ID).Err(sanitizeExchangeError(err)).Msg("token exchange failed")
		return nil, newError(KindTokenExchangeFailed, sanitizeExchangeError(err))
	}

	tokens, claims, roles, err := f.validateTokenResponse(ctx, tok)
	if err != nil {
		_ = f.sessions.FailLogin(ctx, s)
		return nil, err
	}

	if err := f.sessions.Authenticate(ctx, s, tokens, claims, roles); err != nil {
		return nil, fmt.Errorf("store authenticated session: %w", err)
	}
	return claims, nil
}

// validateTokenResponse runs the validator over a token endpoint response
// and extracts roles. Both the access token and, when present, the ID token
// must pass the full check set; nothing partially validated leaks out.
func (f *Flow) validateTokenResponse(ctx context.Context, tok *oauth2.Token) (*session.TokenSet, *token.Claims, []string, error) {
	claims, err := f.validator.Validate(ctx, tok.AccessToken)
	if err != nil {
		return nil, nil, nil, f.validationError(err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken != "" {
		if _, err := f.validator.Validate(ctx, rawIDToken); err != nil {
			return nil, nil, nil, f.validationError(err)
		}
	}

	tokens := &session.TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	return tokens, claims, f.roles.Extract(claims), nil
}

// refreshTokens is the session manager's RefreshFunc: it redeems the
// refresh token and re-validates the new token set before the manager
// stores it.
func (f *Flow) refreshTokens(ctx context.Context, refreshToken string) (*session.TokenSet, *token.Claims, []string, error) {
	src := f.oauth.TokenSource(f.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, nil, nil, newError(KindTokenExchangeFailed, sanitizeExchangeError(err))
	}

	tokens, claims, roles, err := f.validateTokenResponse(ctx, tok)
	if err != nil {
		return nil, nil, nil, err
	}
	if tokens.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep the old one.
		tokens.RefreshToken = refreshToken
	}
	return tokens, claims, roles, nil
}

// UserInfo fetches the provider's userinfo document for an authenticated
// session.
func (f *Flow) UserInfo(ctx context.Context, s *session.Session) (map[string]any, error) {
	if s.Status != session.Authenticated || s.Tokens == nil {
		return nil, newError(KindNotAuthenticated, nil)
	}
	if f.endpoints.UserinfoURL == "" {
		return nil, errors.New("userinfo endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoints.UserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.Tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo fetch failed: %s", resp.Status)
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("userinfo decode: %w", err)
	}
	return info, nil
}

// LogoutURL builds the provider's end-session URL so the browser can also
// terminate its provider-side session after a local logout. Returns ""
// when the provider does not advertise an end-session endpoint.
func (f *Flow) LogoutURL(postLogoutRedirect string) string {
	if f.endpoints.EndSessionURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	if postLogoutRedirect == "" {
		postLogoutRedirect = f.cfg.RedirectURI
	}
	q.Set("post_logout_redirect_uri", postLogoutRedirect)
	return f.endpoints.EndSessionURL + "?" + q.Encode()
}

// oauthContext injects our bounded HTTP client into oauth2's exchange and
// refresh calls so provider outages surface as timeouts, not hangs.
func (f *Flow) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

// sanitizeExchangeError strips response bodies from oauth2 retrieve errors.
// Provider error bodies can echo request parameters back; we keep only the
// status.
func sanitizeExchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode != "" {
			return fmt.Errorf("provider rejected exchange: %s", rerr.ErrorCode)
		}
		if rerr.Response != nil {
			return fmt.Errorf("provider rejected exchange: %s", rerr.Response.Status)
		}
		return errors.New("provider rejected exchange")
	}
	return err
}

// validationError maps validator failures onto the subsystem taxonomy.
func (f *Flow) validationError(err error) error {
	if errors.Is(err, token.ErrKeySetUnavailable) {
		return newError(KindKeySetUnavailable, err)
	}
	return newError(KindTokenValidationFailed, err)
}
