// Package scope decides which data partitions a principal may touch.
//
// Every record lives in exactly one partition: the owning principal's
// personal namespace, or the single organization-wide shared namespace.
// Admins and managers may read the shared namespace; only admins may
// write to it. Role checks always run against the principal snapshot
// passed in by the caller: roles can change mid-session, so nothing
// here caches a role across calls.
package scope

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// Principal is a point-in-time snapshot of the acting user.
type Principal struct {
	UID  string
	Name string
	Role Role
}

func (p Principal) Authenticated() bool {
	return p.UID != ""
}

// CanReadShared reports whether the principal may read the shared partition.
func CanReadShared(p Principal) bool {
	return p.Role == RoleAdmin || p.Role == RoleManager
}

// CanWriteShared reports whether the principal may create, update, or
// delete records in the shared partition. Managers read but never write.
func CanWriteShared(p Principal) bool {
	return p.Role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleManager, RoleStaff:
		return Role(role)
	default:
		return RoleStaff
	}
}
