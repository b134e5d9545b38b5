package keycloak

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// RoleSet lists the roles granted for the realm or one resource.
type RoleSet struct {
	Roles []string `json:"roles"`
}

// HasRole reports whether the set contains the given role.
func (r RoleSet) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// TokenClaims is the decoded payload of a Keycloak-issued token.
type TokenClaims struct {
	Nonce          string             `json:"nonce,omitempty"`
	SessionState   string             `json:"session_state,omitempty"`
	RealmAccess    RoleSet            `json:"realm_access,omitempty"`
	ResourceAccess map[string]RoleSet `json:"resource_access,omitempty"`
	jwt.RegisteredClaims
}

// decodeToken parses a compact serialized token into its claims without
// verifying the signature. The client is not a validation boundary; tokens
// come from the provider over TLS and resource servers verify them
// independently.
func decodeToken(raw string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// session is the authenticated half of the client's auth state. A nil
// session means unauthenticated; a non-nil one always carries an access
// token, which makes the authenticated-iff-token-present invariant
// structural.
type session struct {
	accessToken   string
	accessClaims  *TokenClaims
	refreshToken  string
	refreshClaims *TokenClaims
	idToken       string
	idClaims      *TokenClaims

	// timeSkew estimates client clock minus provider clock, in seconds.
	// Nil until a token round trip establishes it.
	timeSkew *int64
}
