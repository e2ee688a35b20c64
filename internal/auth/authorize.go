package auth

import "strings"

// Principal is the authenticated caller of an administrative operation.
type Principal struct {
	Subject string
	Roles   []string
}

// PrincipalFromClaims builds a principal from validated claims.
func PrincipalFromClaims(c *Claims) Principal {
	return Principal{Subject: c.Subject, Roles: dedupeRoles(c.Roles)}
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
