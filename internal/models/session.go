package models

// SessionUser is the authenticated member held by the session context.
type SessionUser struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	RollNumber string     `json:"roll_number"`
	Email      string     `json:"email"`
	Branch     string     `json:"branch"`
	Year       int        `json:"year"`
	Phone      string     `json:"phone"`
	Status     UserStatus `json:"status"`
}

// SessionUserFrom builds the session view of a stored user.
func SessionUserFrom(u User) SessionUser {
	return SessionUser{
		ID:         u.ID,
		Name:       u.Name,
		RollNumber: u.RollNumber,
		Email:      u.Email,
		Branch:     u.Branch,
		Year:       u.Year,
		Phone:      u.Phone,
		Status:     u.Status,
	}
}

// SessionAdmin is the authenticated dashboard account.
type SessionAdmin struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     AdminRole `json:"role"`
}

// SessionAdminFrom builds the session view of an admin account.
func SessionAdminFrom(a Admin) SessionAdmin {
	return SessionAdmin{ID: a.ID, Username: a.Username, Email: a.Email, Role: a.Role}
}
