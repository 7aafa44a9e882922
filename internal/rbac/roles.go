package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Route groups.
var (
	// CallWriters may schedule and cancel calls.
	CallWriters = []string{RoleOperator}
	// CallReaders may read call status, events and reports.
	CallReaders = []string{RoleOperator, RoleViewer}
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}
