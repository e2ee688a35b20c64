package auth

import "testing"

func TestPrincipalFromClaims(t *testing.T) {
	claims := &Claims{Roles: []string{"Admin", " admin "}}
	claims.Subject = "u1"

	principal := PrincipalFromClaims(claims)

	if !principal.HasRole("admin") {
		t.Fatalf("expected role")
	}
	if principal.HasRole("") || principal.HasRole("brigadista") {
		t.Fatalf("unexpected role")
	}
	if len(principal.Roles) != 1 {
		t.Fatalf("expected deduplicated roles, got %v", principal.Roles)
	}
}
