package membership

import (
	"fmt"
	"strings"
)

// Role is a member's rank inside one organization. The zero value is not a
// valid role. Ordering: RoleOwner > RoleAdmin > RoleMember.
type Role uint8

const (
	RoleMember Role = iota + 1
	RoleAdmin
	RoleOwner
)

// Roles lists every valid role, lowest first.
var Roles = []Role{RoleMember, RoleAdmin, RoleOwner}

// ParseRole maps the wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "member":
		return RoleMember, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r >= RoleMember && r <= RoleOwner
}

// Satisfies reports whether r ranks at or above min.
func (r Role) Satisfies(min Role) bool {
	return r.Valid() && min.Valid() && r >= min
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// CanAssign reports whether an actor holding actor may grant role to
// someone. Admins manage members and admins; only owners mint owners.
func CanAssign(actor, role Role) bool {
	return actor.Satisfies(RoleAdmin) && actor.Satisfies(role)
}

// CanManage reports whether actor may change or remove a member currently
// holding target.
func CanManage(actor, target Role) bool {
	return actor.Satisfies(RoleAdmin) && actor.Satisfies(target)
}
