package auth

import "errors"

// Role is an operator's authorisation tier.
type Role string

const (
	// RoleViewer can read devices, identities, commands and the audit log.
	RoleViewer Role = "viewer"

	// RoleOperator can also manage identities, close commands and run
	// syncs.
	RoleOperator Role = "operator"

	// RoleAdmin can also register and reconfigure devices.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrForbidden    = errors.New("auth: insufficient permissions")
)
