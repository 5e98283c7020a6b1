// Package auth implements the PKCE-protected OpenID Connect login flow for
// the dashboard: starting a login attempt, handling the provider callback,
// extracting roles from validated claims and gating access to protected
// content.
package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication or authorization failure. Every error
// the subsystem returns to the UI layer carries exactly one Kind, so the UI
// can decide between "log in", "try again" and "you lack the role" without
// parsing messages.
type Kind int

const (
	// KindStateMismatch covers CSRF, callback replay and expired or missing
	// pending login attempts.
	KindStateMismatch Kind = iota + 1
	// KindTokenExchangeFailed is a transport or provider failure during the
	// code exchange. The visitor may retry the login; the exchange itself is
	// never retried with the same single-use code.
	KindTokenExchangeFailed
	// KindTokenValidationFailed wraps a signature, issuer, audience or
	// validity-window failure from the token validator.
	KindTokenValidationFailed
	// KindKeySetUnavailable means the provider's signing keys could not be
	// fetched and no cached key applied. Transient.
	KindKeySetUnavailable
	// KindSessionStoreUnavailable means the session store could not be
	// reached while handling the request. Transient.
	KindSessionStoreUnavailable
	// KindNotAuthenticated means there is no authenticated session; the
	// caller should start a login.
	KindNotAuthenticated
	// KindForbidden means the visitor authenticated but lacks the required
	// role. Permanent until roles change at the provider.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindStateMismatch:
		return "state_mismatch"
	case KindTokenExchangeFailed:
		return "token_exchange_failed"
	case KindTokenValidationFailed:
		return "token_validation_failed"
	case KindKeySetUnavailable:
		return "key_set_unavailable"
	case KindSessionStoreUnavailable:
		return "session_store_unavailable"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Transient reports whether the failure is worth a user-initiated retry.
func (k Kind) Transient() bool {
	return k == KindTokenExchangeFailed || k == KindKeySetUnavailable || k == KindSessionStoreUnavailable
}

// Error is the typed error returned across the subsystem boundary. Its
// message never contains token, verifier or state material.
type Error struct {
	Kind Kind
	err  error
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the Kind carried by err, or 0 when err is not a subsystem
// error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}
