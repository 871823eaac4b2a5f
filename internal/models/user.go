package models

import (
	"errors"
	"strings"
	"time"
)

// UserStatus is the membership lifecycle state of a user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusPending  UserStatus = "pending"
	UserStatusInactive UserStatus = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusActive, UserStatusPending, UserStatusInactive:
		return true
	}
	return false
}

// User captures a member record as held by the data service.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	RollNumber   string     `json:"roll_number"`
	Email        string     `json:"email"`
	Branch       string     `json:"branch"`
	Year         int        `json:"year"`
	Phone        string     `json:"phone"`
	Status       UserStatus `json:"status"`
	PasswordHash string     `json:"-"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewUser is the registration input. Identity, status and timestamps are
// assigned by the data service.
type NewUser struct {
	Name       string `json:"name"`
	RollNumber string `json:"roll_number"`
	Email      string `json:"email"`
	Branch     string `json:"branch"`
	Year       int    `json:"year"`
	Phone      string `json:"phone"`
	Password   string `json:"password,omitempty"`
}

// Normalize trims every field, lower-cases the email and upper-cases the
// roll number so lookups at login time meet the stored values.
func (n NewUser) Normalize() NewUser {
	n.Name = strings.TrimSpace(n.Name)
	n.RollNumber = NormalizeRollNumber(n.RollNumber)
	n.Email = NormalizeEmail(n.Email)
	n.Branch = strings.TrimSpace(n.Branch)
	n.Phone = strings.TrimSpace(n.Phone)
	return n
}

// Validate returns the first missing required field.
func (n NewUser) Validate() error {
	switch {
	case strings.TrimSpace(n.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(n.Email) == "":
		return errors.New("email is required")
	case !strings.Contains(n.Email, "@"):
		return errors.New("email is invalid")
	case strings.TrimSpace(n.RollNumber) == "":
		return errors.New("roll number is required")
	case n.Year < 0:
		return errors.New("year must not be negative")
	}
	return nil
}

// UserUpdate carries a partial update; nil fields are left unchanged.
type UserUpdate struct {
	Name      *string     `json:"name,omitempty"`
	Branch    *string     `json:"branch,omitempty"`
	Year      *int        `json:"year,omitempty"`
	Phone     *string     `json:"phone,omitempty"`
	Status    *UserStatus `json:"status,omitempty"`
	LastLogin *time.Time  `json:"last_login,omitempty"`
}

// Apply copies the set fields of upd onto u.
func (upd UserUpdate) Apply(u *User) {
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Branch != nil {
		u.Branch = *upd.Branch
	}
	if upd.Year != nil {
		u.Year = *upd.Year
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	if upd.LastLogin != nil {
		t := *upd.LastLogin
		u.LastLogin = &t
	}
}

// UserFilter narrows dashboard listings. The zero value matches everyone.
type UserFilter struct {
	Status UserStatus
}

// Matches reports whether u passes the filter.
func (f UserFilter) Matches(u User) bool {
	return f.Status == "" || u.Status == f.Status
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeRollNumber trims and upper-cases a roll number.
func NormalizeRollNumber(roll string) string {
	return strings.ToUpper(strings.TrimSpace(roll))
}
