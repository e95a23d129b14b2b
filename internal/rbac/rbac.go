// Package rbac resolves a principal's effective role within a workspace.
package rbac

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// Principal is the authenticated caller as seen by the resolver.
type Principal struct {
	UserID  string
	IsAdmin bool
	IsGuest bool
}

// Resolve computes the effective role of principal in a workspace. Ownership
// wins over any stored membership; site admins get read-only viewer access to
// workspaces they are not part of, never edit rights.
func Resolve(principal Principal, ownerID string, memberRole string, isMember bool) Role {
	if principal.UserID == ownerID {
		return RoleOwner
	}
	if isMember {
		return Normalize(memberRole)
	}
	if principal.IsAdmin {
		return RoleViewer
	}
	return RoleNone
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ValidMemberRole reports whether role may be stored on a membership row.
// "owner" is derived from the workspace, never assigned.
func ValidMemberRole(role string) bool {
	return role == string(RoleEditor) || role == string(RoleViewer)
}

func CanRead(role Role) bool {
	return role != RoleNone
}

func CanEdit(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

// CanAddMembers covers inviting members; role changes and owner-level
// removals require CanManageMembers.
func CanAddMembers(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

func CanManageMembers(role Role) bool {
	return role == RoleOwner
}
