package auth

import (
	"context"
	"fmt"

	"github.com/gistdash/authgate/session"
	"github.com/gistdash/authgate/token"
)

// Gate is the single entry point the rest of the application calls before
// rendering protected content.
type Gate struct {
	sessions *session.Manager
}

// NewGate creates a gate over the session manager.
func NewGate(sessions *session.Manager) *Gate {
	return &Gate{sessions: sessions}
}

// Require admits the session if it is authenticated and holds requiredRole,
// returning the claims captured at login or last refresh. It fails with
// KindNotAuthenticated for unauthenticated, pending or expired sessions
// (the caller should start a login) and KindForbidden for an authenticated
// visitor missing the role.
//
// A silent refresh runs first when the access token is near expiry, so an
// admitted session is backed by a currently valid token. Roles are the ones
// extracted at authentication time: a role revoked at the provider
// mid-session takes effect at the next refresh or re-login.
func (g *Gate) Require(ctx context.Context, s *session.Session, requiredRole string) (*token.Claims, error) {
	if s == nil {
		return nil, newError(KindNotAuthenticated, nil)
	}

	// A failed refresh has already moved the session to Expired; only a
	// store failure surfaces here.
	if err := g.sessions.EnsureFresh(ctx, s); err != nil {
		return nil, newError(KindNotAuthenticated, err)
	}

	if s.Status != session.Authenticated || s.Claims == nil {
		return nil, newError(KindNotAuthenticated, fmt.Errorf("session is %s", s.Status))
	}

	if !s.HasRole(requiredRole) {
		return nil, newError(KindForbidden, fmt.Errorf("missing role %q", requiredRole))
	}

	return s.Claims, nil
}
