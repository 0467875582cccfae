package identity

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermDirectMessage Permission = 1 << iota
	PermStatusQuery
	PermReadNotices   // device: read its owner's notice board
	PermLogAttendance // device: persist an attendance record
	PermReboot        // controller: force-disconnect one of its devices
	PermSync          // controller: broadcast to all of its devices
	PermPostNotice    // controller: write a notice board message
)

var rolePerms = map[Role]Permission{
	RoleController: PermDirectMessage | PermStatusQuery | PermReboot | PermSync | PermPostNotice,
	RoleDevice:     PermDirectMessage | PermStatusQuery | PermReadNotices | PermLogAttendance,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// RolePermissions returns the permissions granted to role, or zero for an unknown role.
func RolePermissions(role Role) Permission {
	return rolePerms[role]
}
