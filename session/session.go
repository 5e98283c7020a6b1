// Package session owns the per-visitor authentication state machine and its
// persistence. A Session is mutated only through the Manager; everything
// else reads it.
package session

import (
	"time"

	"github.com/gistdash/authgate/token"
)

// Status is the visitor's position in the authentication state machine.
type Status int

const (
	// Unauthenticated is the initial state and the state every failure path
	// eventually returns to. A fresh login always restarts from here.
	Unauthenticated Status = iota
	// Pending means a login attempt is outstanding: the visitor has been
	// redirected to the identity provider and the callback has not landed.
	Pending
	// Authenticated means the visitor holds a validated token set.
	Authenticated
	// Expired means the token set ran out and could not be refreshed.
	Expired
)

func (s Status) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Pending:
		return "pending"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// TokenSet holds the bearer tokens returned by the provider for one
// authenticated visitor. The strings are opaque; their trust comes only
// from the validation performed before the set was stored.
type TokenSet struct {
	AccessToken  string    `cbor:"1,keyasint"`
	IDToken      string    `cbor:"2,keyasint,omitempty"`
	RefreshToken string    `cbor:"3,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"4,keyasint"`
}

// PendingLogin is the server-side record of one in-flight login attempt:
// the anti-CSRF state token and the PKCE verifier it is bound to. Exactly
// one may be outstanding per session, and it is single-use.
type PendingLogin struct {
	State     string    `cbor:"1,keyasint"`
	Verifier  string    `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
}

// Session is one visitor's authentication state. The zero-value Status is
// Unauthenticated.
type Session struct {
	ID           string        `cbor:"1,keyasint"`
	Status       Status        `cbor:"2,keyasint"`
	Tokens       *TokenSet     `cbor:"3,keyasint,omitempty"`
	Claims       *token.Claims `cbor:"4,keyasint,omitempty"`
	Roles        []string      `cbor:"5,keyasint,omitempty"`
	LastActivity time.Time     `cbor:"6,keyasint,omitempty"`
}

// HasRole reports whether role was among the roles extracted when the
// session last authenticated or refreshed. Matching is case-sensitive.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}
