package auth

// Role represents an operator role for role-based access control
type Role string

const (
	// RoleAdmin has full access, including dead-letter replay
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to the admin endpoints
	RoleViewer Role = "viewer"

	// RoleService is held by the upstream API layer that submits usage and asks for quotes
	RoleService Role = "service"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer, RoleService:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Admin has all permissions, other roles only their own.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
