package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gistdash/authgate/token"
)

// Default lifetimes. PendingTTL is deliberately short: a login attempt the
// visitor abandoned must not be revivable later.
const (
	DefaultPendingTTL = 10 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
	// DefaultRefreshWindow is how close to access-token expiry a silent
	// refresh is attempted.
	DefaultRefreshWindow = 30 * time.Second
)

// RefreshFunc exchanges a refresh token for a new, already re-validated
// token set, its claims and extracted roles. Wired by the flow orchestrator.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenSet, *token.Claims, []string, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	PendingTTL    time.Duration
	SessionTTL    time.Duration
	RefreshWindow time.Duration
	Logger        zerolog.Logger
	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Manager owns every Session mutation. All state transitions go through it
// and are persisted in the store before the call returns.
type Manager struct {
	store         Store
	pendingTTL    time.Duration
	sessionTTL    time.Duration
	refreshWindow time.Duration
	refresh       RefreshFunc
	logger        zerolog.Logger
	now           func() time.Time
}

// NewManager creates a session manager on top of the given store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:         store,
		pendingTTL:    cfg.PendingTTL,
		sessionTTL:    cfg.SessionTTL,
		refreshWindow: cfg.RefreshWindow,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

// SetRefreshFunc wires the silent-refresh implementation. Called once at
// startup by the flow orchestrator; without it sessions expire instead of
// refreshing.
func (m *Manager) SetRefreshFunc(f RefreshFunc) {
	m.refresh = f
}

// PendingTTL returns the lifetime of a pending login attempt.
func (m *Manager) PendingTTL() time.Duration {
	return m.pendingTTL
}

// Load returns the session for id, or a fresh Unauthenticated session with
// a new ID when id is empty or unknown (e.g. after a store restart).
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		s, err := m.store.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	s := &Session{
		ID:           uuid.NewString(),
		Status:       Unauthenticated,
		LastActivity: m.now(),
	}
	if err := m.store.Put(ctx, s, m.sessionTTL); err != nil {
		return nil, err
	}
	return s, nil
}

// StartLogin stores a new login attempt for the session, replacing any
// outstanding one so exactly one is pending at a time. An Unauthenticated
// or Expired session moves to Pending; an Authenticated session keeps its
// status and tokens until the new attempt's callback completes.
func (m *Manager) StartLogin(ctx context.Context, s *Session, p *PendingLogin) error {
	if err := m.store.PutPending(ctx, s.ID, p, m.pendingTTL); err != nil {
		return fmt.Errorf("store pending login: %w", err)
	}
	if s.Status != Authenticated {
		s.Status = Pending
	}
	s.LastActivity = m.now()
	return m.store.Put(ctx, s, m.sessionTTL)
}

// ConsumePending removes and returns the session's pending login. It is
// single-use: the record is gone after this call whether or not the
// exchange that follows succeeds, so a replayed callback can never match.
func (m *Manager) ConsumePending(ctx context.Context, s *Session) (*PendingLogin, error) {
	return m.store.ConsumePending(ctx, s.ID)
}

// Authenticate moves the session to Authenticated with a validated token
// set. The caller guarantees claims passed the full validator check set.
func (m *Manager) Authenticate(ctx context.Context, s *Session, tokens *TokenSet, claims *token.Claims, roles []string) error {
	s.Status = Authenticated
	s.Tokens = tokens
	s.Claims = claims
	s.Roles = roles
	s.LastActivity = m.now()
	if err := m.store.Put(ctx, s, m.sessionTTL); err != nil {
		return err
	}
	m.logger.Info().
		Str("session", s.ID).
		Str("subject", claims.Subject).
		Strs("roles", roles).
		Msg("session authenticated")
	return nil
}

// FailLogin returns a Pending session to Unauthenticated after a callback
// failure. No partially authenticated state survives. Sessions in any other
// state are left untouched: a replayed callback of an already completed
// login must not tear down the Authenticated session it produced.
func (m *Manager) FailLogin(ctx context.Context, s *Session) error {
	if s.Status != Pending {
		return nil
	}
	s.Status = Unauthenticated
	s.Tokens = nil
	s.Claims = nil
	s.Roles = nil
	s.LastActivity = m.now()
	return m.store.Put(ctx, s, m.sessionTTL)
}

// Logout unconditionally discards the token set and claims and returns the
// session to Unauthenticated, from any state.
func (m *Manager) Logout(ctx context.Context, s *Session) error {
	s.Status = Unauthenticated
	s.Tokens = nil
	s.Claims = nil
	s.Roles = nil
	s.LastActivity = m.now()
	if err := m.store.Delete(ctx, s.ID); err != nil {
		return err
	}
	if err := m.store.Put(ctx, s, m.sessionTTL); err != nil {
		return err
	}
	m.logger.Info().Str("session", s.ID).Msg("session logged out")
	return nil
}

// EnsureFresh keeps an Authenticated session usable. Within the refresh
// window of access-token expiry it attempts a silent refresh; the new token
// set is already re-validated by the RefreshFunc. A refresh failure, or an
// expired token with no refresh token, moves the session to Expired rather
// than leaving stale tokens in place. Non-Authenticated sessions are left
// untouched.
func (m *Manager) EnsureFresh(ctx context.Context, s *Session) error {
	if s.Status != Authenticated || s.Tokens == nil {
		return nil
	}

	now := m.now()
	if now.Before(s.Tokens.ExpiresAt.Add(-m.refreshWindow)) {
		s.LastActivity = now
		return m.store.Put(ctx, s, m.sessionTTL)
	}

	if s.Tokens.RefreshToken == "" || m.refresh == nil {
		if now.Before(s.Tokens.ExpiresAt) {
			// Nearing expiry but still valid, and nothing to refresh with.
			return m.store.Put(ctx, s, m.sessionTTL)
		}
		return m.expire(ctx, s)
	}

	tokens, claims, roles, err := m.refresh(ctx, s.Tokens.RefreshToken)
	if err != nil {
		m.logger.Warn().Str("session", s.ID).Err(err).Msg("silent refresh failed")
		return m.expire(ctx, s)
	}

	s.Tokens = tokens
	s.Claims = claims
	s.Roles = roles
	s.LastActivity = now
	if err := m.store.Put(ctx, s, m.sessionTTL); err != nil {
		return err
	}
	m.logger.Debug().Str("session", s.ID).Msg("session refreshed")
	return nil
}

func (m *Manager) expire(ctx context.Context, s *Session) error {
	s.Status = Expired
	s.Tokens = nil
	s.Claims = nil
	s.Roles = nil
	return m.store.Put(ctx, s, m.sessionTTL)
}
