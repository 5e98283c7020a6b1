package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSignatureInvalid covers malformed tokens, unexpected signing
	// algorithms, unknown key IDs and signature mismatches. Claims from such
	// tokens are never inspected further.
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrAudienceMismatch = errors.New("token audience mismatch")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
)

// DefaultClockSkew is the allowance applied to expiry and issued-at checks.
const DefaultClockSkew = 60 * time.Second

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Issuer must match the token's iss claim exactly.
	Issuer string
	// Audience must be contained in the token's aud claim.
	Audience string
	// ClockSkew defaults to DefaultClockSkew.
	ClockSkew time.Duration
	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Validator cryptographically verifies tokens against a shared KeySet and
// checks issuer, audience and validity window.
type Validator struct {
	keys     *KeySet
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// signingAlgs are the signature algorithms accepted from the provider.
// Symmetric and "none" algorithms are rejected by construction.
var signingAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// NewValidator creates a validator backed by the given key set.
func NewValidator(keys *KeySet, cfg ValidatorConfig) *Validator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
		now:      cfg.Now,
	}
}

// Validate verifies the token signature and then checks issuer, audience,
// expiry and issued-at, in that order. The signature is always verified
// first: no claim, including one that would end validation early, is read
// from an unverified token.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrSignatureInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(signingAlgs),
		// Claim checks run below with explicit skew handling so each failing
		// check maps to its own error kind.
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token header missing kid", ErrKeyNotFound)
		}
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	})
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrSignatureInvalid
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	return newClaims(claims), nil
}

// checkClaims runs the mandatory claim checks on a signature-verified claim
// set. The first failing check determines the returned error.
func (v *Validator) checkClaims(mc jwt.MapClaims) error {
	iss, _ := mc["iss"].(string)
	if iss != v.issuer {
		return fmt.Errorf("%w: got %q", ErrIssuerMismatch, iss)
	}

	if !audienceContains(normalizeAudience(mc["aud"]), v.audience) {
		return ErrAudienceMismatch
	}

	now := v.now()

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: exp claim missing", ErrTokenExpired)
	}
	// Valid through exp + skew: exp exactly at now-skew still passes.
	if exp.Time.Before(now.Add(-v.skew)) {
		return ErrTokenExpired
	}

	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		if now.Before(iat.Time.Add(-v.skew)) {
			return ErrTokenNotYetValid
		}
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		if now.Before(nbf.Time.Add(-v.skew)) {
			return ErrTokenNotYetValid
		}
	}

	return nil
}

func audienceContains(aud []string, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
