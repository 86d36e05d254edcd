package auth

import "fmt"

// Role is the domain role of an authenticated principal. It is resolved once
// when the token is validated and carried through the request context, so
// authorization decisions never re-inspect the token or the user record.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleDentist      Role = "dentist"
	RoleReceptionist Role = "receptionist"
	RolePatient      Role = "patient"
)

// ParseRole validates a role claim value.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleDentist, RoleReceptionist, RolePatient:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Staff reports whether the role belongs to clinic staff (anyone who is not
// a patient).
func (r Role) Staff() bool {
	return r == RoleAdmin || r == RoleDentist || r == RoleReceptionist
}
