package models

import (
	"strings"
	"time"
)

// Role is the closed set of authorization roles. Anything the outside
// world sends is normalized through ParseRole.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// ParseRole normalizes a free-form role string to the closed enumeration.
// Matching is case-insensitive; unknown values default to RoleUser.
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

func (r Role) String() string { return string(r) }

// User is the identity record owned by the credential store.
type User struct {
	ID                    int64
	Username              string
	Email                 string
	PassHash              []byte
	Role                  Role
	Enabled               bool
	AccountNonExpired     bool
	AccountNonLocked      bool
	CredentialsNonExpired bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Usable reports whether the account may authenticate at all.
func (u *User) Usable() bool {
	return u.Enabled && u.AccountNonExpired && u.AccountNonLocked && u.CredentialsNonExpired
}
