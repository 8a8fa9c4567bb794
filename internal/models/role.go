package models

import "fmt"

// Role identifies which side of a family a client acts as
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleParent, RoleChild:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Peer returns the opposite role
func (r Role) Peer() Role {
	if r == RoleParent {
		return RoleChild
	}
	return RoleParent
}

func (r Role) String() string {
	return string(r)
}
