package auth

import "slices"

// Permission is a named capability checked by the admin API.
type Permission string

const (
	PermRead           Permission = "read"
	PermDeviceManage   Permission = "device:manage"
	PermIdentityManage Permission = "identity:manage"
	PermCommandManage  Permission = "command:manage"
	PermSyncRun        Permission = "sync:run"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer: {PermRead},
	RoleOperator: {
		PermRead,
		PermIdentityManage,
		PermCommandManage,
		PermSyncRun,
	},
	RoleAdmin: {
		PermRead,
		PermDeviceManage,
		PermIdentityManage,
		PermCommandManage,
		PermSyncRun,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of role's permissions, nil if unknown.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
