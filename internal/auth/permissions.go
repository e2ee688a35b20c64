package auth

import "strings"

// Roles an activated account can hold.
const (
	RoleAdmin      = "admin"
	RoleEncargado  = "encargado"
	RoleBrigadista = "brigadista"
)

var knownRoles = map[string]struct{}{
	RoleAdmin:      {},
	RoleEncargado:  {},
	RoleBrigadista: {},
}

// KnownRole reports whether role is assignable.
func KnownRole(role string) bool {
	_, ok := knownRoles[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// RequiresSupervisor reports whether accounts with role must name a supervisor.
func RequiresSupervisor(role string) bool {
	return strings.ToLower(strings.TrimSpace(role)) == RoleBrigadista
}
