package auth

// Role is a command API role.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// NormalizeRole validates a role claim.
func NormalizeRole(value string) (Role, bool) {
	switch r := Role(value); r {
	case RoleViewer, RoleOperator, RoleSupervisor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// RoleAtLeast reports whether role satisfies required.
func RoleAtLeast(role, required Role) bool {
	return rank[role] >= rank[required] && rank[role] > 0
}

var rank = map[Role]int{
	RoleViewer:     1,
	RoleOperator:   2,
	RoleSupervisor: 3,
	RoleAdmin:      4,
}
