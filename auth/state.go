package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/gistdash/authgate/session"
)

// stateLength is the number of random bytes behind the state token.
// 32 bytes is well past the 16-byte floor needed to make guessing and
// collision attacks on concurrent flows impractical.
const stateLength = 32

// GenerateStateToken creates a random URL-safe anti-CSRF token for one
// login attempt.
func GenerateStateToken() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateState compares a state token received on the callback against the
// pending login attempt it should belong to. It returns false, never an
// error, on mismatch, a missing pending record or an attempt older than
// ttl. The comparison is constant-time.
//
// Removal of the pending record (single use) is the caller's job: the
// session manager consumes it before this check runs, so even a failed
// validation burns the attempt.
func ValidateState(received string, p *session.PendingLogin, ttl time.Duration, now time.Time) bool {
	if p == nil || received == "" || p.State == "" {
		return false
	}
	if now.After(p.CreatedAt.Add(ttl)) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(p.State)) == 1
}
