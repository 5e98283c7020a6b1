// Package token verifies provider-issued JWTs against the provider's
// published signing keys and exposes the validated claims.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the validated view of a token's payload. It is only ever
// produced by Validator.Validate; an instance obtained any other way must
// not be trusted.
type Claims struct {
	Subject  string    `cbor:"1,keyasint"`
	Issuer   string    `cbor:"2,keyasint"`
	Audience []string  `cbor:"3,keyasint,omitempty"`
	Expiry   time.Time `cbor:"4,keyasint"`
	IssuedAt time.Time `cbor:"5,keyasint,omitempty"`

	// RealmRoles holds the tenant-wide roles from realm_access.roles.
	RealmRoles []string `cbor:"6,keyasint,omitempty"`
	// ClientRoles maps a client identifier to the roles granted under
	// resource_access.<client>.roles.
	ClientRoles map[string][]string `cbor:"7,keyasint,omitempty"`
	// Roles holds a flattened top-level "roles" claim, used by providers
	// that do not nest roles under realm/resource access.
	Roles []string `cbor:"8,keyasint,omitempty"`

	// Raw is the full decoded claim set for callers that need claims not
	// modeled above (e.g. preferred_username, email).
	Raw map[string]any `cbor:"9,keyasint,omitempty"`
}

// StringClaim returns the named top-level claim if it is a string.
func (c *Claims) StringClaim(name string) string {
	if c == nil {
		return ""
	}
	s, _ := c.Raw[name].(string)
	return s
}

// newClaims maps a verified jwt.MapClaims into Claims. Role claims are
// parsed here with a fixed lookup order (realm, client, top-level) so role
// handling is not scattered across call sites.
func newClaims(mc jwt.MapClaims) *Claims {
	raw := make(map[string]any, len(mc))
	for k, v := range mc {
		raw[k] = v
	}

	c := &Claims{Raw: raw}
	c.Subject, _ = mc["sub"].(string)
	c.Issuer, _ = mc["iss"].(string)
	c.Audience = normalizeAudience(mc["aud"])

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.Expiry = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}

	if realm, ok := mc["realm_access"].(map[string]any); ok {
		c.RealmRoles = stringSlice(realm["roles"])
	}
	if resources, ok := mc["resource_access"].(map[string]any); ok {
		for client, v := range resources {
			access, ok := v.(map[string]any)
			if !ok {
				continue
			}
			roles := stringSlice(access["roles"])
			if len(roles) == 0 {
				continue
			}
			if c.ClientRoles == nil {
				c.ClientRoles = make(map[string][]string, len(resources))
			}
			c.ClientRoles[client] = roles
		}
	}
	c.Roles = stringSlice(mc["roles"])

	return c
}

// normalizeAudience accepts the JSON shapes the aud claim shows up as:
// a single string or an array of strings.
func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func stringSlice(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
