package models

import "time"

// Role represents a user's access level. Identity itself comes from the
// reverse proxy in front of the service; roles are managed here.
type Role string

const (
	// RoleViewer can read pipelines, runs and event history.
	RoleViewer Role = "viewer"
	// RoleDev can additionally create, delete and trigger pipelines.
	RoleDev Role = "dev"
	// RoleAdmin can additionally manage users and roles.
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleDev, RoleAdmin:
		return true
	default:
		return false
	}
}

// AtLeast reports whether the role grants the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return rank(r) >= rank(min)
}

func rank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleDev:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// User is an identity provisioned from reverse-proxy headers.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
