package auth

import (
	"sort"

	"github.com/gistdash/authgate/token"
)

// RoleExtractor derives a visitor's effective roles from validated claims.
// Providers put roles in up to three places; the lookup order is fixed here
// instead of being re-decided at every call site:
//
//  1. realm-wide roles under realm_access.roles,
//  2. client-scoped roles under resource_access.<clientID>.roles,
//  3. a flattened top-level roles claim.
//
// The result is the deduplicated union. Role names are matched
// case-sensitively downstream.
type RoleExtractor struct {
	clientID string
}

// NewRoleExtractor creates an extractor scoped to this application's client
// identifier.
func NewRoleExtractor(clientID string) *RoleExtractor {
	return &RoleExtractor{clientID: clientID}
}

// Extract returns the sorted union of the visitor's roles. Claims with no
// role claims at all yield an empty slice, not an error.
func (e *RoleExtractor) Extract(claims *token.Claims) []string {
	if claims == nil {
		return nil
	}

	set := make(map[string]struct{})
	for _, r := range claims.RealmRoles {
		set[r] = struct{}{}
	}
	for _, r := range claims.ClientRoles[e.clientID] {
		set[r] = struct{}{}
	}
	for _, r := range claims.Roles {
		set[r] = struct{}{}
	}

	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
