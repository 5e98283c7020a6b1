package middleware

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gistdash/authgate/auth"
	"github.com/gistdash/authgate/session"
)

// AuthHandler serves the three endpoints the UI layer needs: starting a
// login, receiving the provider callback and logging out.
type AuthHandler struct {
	mux       *http.ServeMux
	flow      *auth.Flow
	sessions  *session.Manager
	loader    *SessionLoader
	cookie    *SessionCookie
	logger    zerolog.Logger
	basePath  string
	postLogin string
}

// AuthHandlerOption configures an AuthHandler.
type AuthHandlerOption func(*AuthHandler)

// WithPostLoginRedirect sets where a successful callback sends the browser
// (default "/").
func WithPostLoginRedirect(target string) AuthHandlerOption {
	return func(h *AuthHandler) { h.postLogin = target }
}

// NewAuthHandler mounts login, callback and logout under basePath (e.g.
// "/auth"). The callback path must match the redirect URI registered with
// the provider.
func NewAuthHandler(flow *auth.Flow, sessions *session.Manager, loader *SessionLoader, cookie *SessionCookie, logger zerolog.Logger, basePath string, opts ...AuthHandlerOption) *AuthHandler {
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := &AuthHandler{
		mux:       http.NewServeMux(),
		flow:      flow,
		sessions:  sessions,
		loader:    loader,
		cookie:    cookie,
		logger:    logger,
		basePath:  basePath,
		postLogin: "/",
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.Handle("GET "+path.Join(basePath, "login"), loader.Wrap(http.HandlerFunc(h.handleLogin)))
	h.mux.Handle("GET "+path.Join(basePath, "callback"), loader.Wrap(http.HandlerFunc(h.handleCallback)))
	h.mux.Handle("GET "+path.Join(basePath, "logout"), loader.Wrap(http.HandlerFunc(h.handleLogout)))

	return h
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// LoginPath returns the mounted login path, for use as a redirect target.
func (h *AuthHandler) LoginPath() string {
	return path.Join(h.basePath, "login")
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	redirectURL, err := h.flow.StartLogin(r.Context(), s)
	if err != nil {
		h.logger.Error().Err(err).Msg("start login failed")
		http.Error(w, "could not start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *AuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	if _, err := h.flow.HandleCallback(r.Context(), s, r.URL.Query()); err != nil {
		h.renderCallbackError(w, err)
		return
	}
	http.Redirect(w, r, h.postLogin, http.StatusFound)
}

// renderCallbackError turns the typed flow error into a user-facing page.
// Transient failures and stale attempts get a "try again" link; nothing of
// the underlying cause is echoed to the browser.
func (h *AuthHandler) renderCallbackError(w http.ResponseWriter, err error) {
	kind := auth.KindOf(err)
	h.logger.Warn().Str("kind", kind.String()).Err(err).Msg("login callback failed")

	var status int
	var msg string
	switch kind {
	case auth.KindStateMismatch:
		status, msg = http.StatusBadRequest, "This login attempt is no longer valid."
	case auth.KindTokenExchangeFailed, auth.KindKeySetUnavailable:
		status, msg = http.StatusBadGateway, "The identity provider could not be reached."
	case auth.KindSessionStoreUnavailable:
		status, msg = http.StatusServiceUnavailable, "Please try again shortly."
	case auth.KindTokenValidationFailed:
		status, msg = http.StatusUnauthorized, "The identity provider returned an unusable token."
	default:
		status, msg = http.StatusInternalServerError, "Login failed."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	retry := ""
	if kind == 0 || kind.Transient() || kind == auth.KindStateMismatch {
		retry = fmt.Sprintf(`<p><a href="%s">Try logging in again</a></p>`, h.LoginPath())
	}
	fmt.Fprintf(w, "<html><body><h1>Login failed</h1><p>%s</p>%s</body></html>", msg, retry)
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	if err := h.sessions.Logout(r.Context(), s); err != nil {
		h.logger.Error().Err(err).Msg("logout failed")
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	next := validateNextURL(r.URL.Query().Get("next"))
	// Terminate the provider-side session too when the provider supports it.
	if logoutURL := h.flow.LogoutURL(""); logoutURL != "" {
		http.Redirect(w, r, logoutURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// validateNextURL keeps post-logout redirects on our own origin: relative
// paths only, no protocol-relative URLs.
func validateNextURL(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
