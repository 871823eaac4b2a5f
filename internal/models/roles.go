package models

import "time"

// AdminRole is the privilege level of a dashboard account.
type AdminRole string

const (
	RoleAdmin      AdminRole = "admin"
	RoleSuperAdmin AdminRole = "super_admin"
)

// Valid reports whether r is a known role.
func (r AdminRole) Valid() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Admin is a dashboard account.
type Admin struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         AdminRole `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
