package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gistdash/authgate/auth"
	"github.com/gistdash/authgate/session"
)

type sessionContextKey struct{}

// WithSession stores the visitor's session in ctx.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the session attached by SessionLoader.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return s, ok && s != nil
}

// SessionLoader resolves the visitor's session from the sealed cookie and
// attaches it to the request context. A request without a usable cookie
// gets a fresh Unauthenticated session and a new cookie.
type SessionLoader struct {
	sessions *session.Manager
	cookie   *SessionCookie
	logger   zerolog.Logger
}

// NewSessionLoader creates the middleware.
func NewSessionLoader(sessions *session.Manager, cookie *SessionCookie, logger zerolog.Logger) *SessionLoader {
	return &SessionLoader{sessions: sessions, cookie: cookie, logger: logger}
}

// Wrap returns next with session loading applied.
func (l *SessionLoader) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := l.cookie.Read(r)
		if err != nil {
			id = ""
		}

		s, err := l.sessions.Load(r.Context(), id)
		if err != nil {
			l.logger.Error().Err(err).Msg("session load failed")
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		if s.ID != id {
			if err := l.cookie.Write(w, s.ID); err != nil {
				l.logger.Error().Err(err).Msg("session cookie write failed")
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

// RequireRole guards a protected handler behind the access gate. A visitor
// without an authenticated session is redirected to loginPath; an
// authenticated visitor missing the role gets a 403. Must run inside a
// SessionLoader.Wrap chain.
func RequireRole(gate *auth.Gate, role, loginPath string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFromContext(r.Context())
		if !ok {
			http.Redirect(w, r, loginPath, http.StatusFound)
			return
		}

		_, err := gate.Require(r.Context(), s, role)
		switch auth.KindOf(err) {
		case 0:
			next.ServeHTTP(w, r)
		case auth.KindForbidden:
			http.Error(w, "you do not have the role required to view this page", http.StatusForbidden)
		default:
			http.Redirect(w, r, loginPath, http.StatusFound)
		}
	})
}
