package models

import "time"

// SubmissionStatus tracks a member's application submission.
type SubmissionStatus string

const (
	SubmissionNone      SubmissionStatus = "none"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// Valid reports whether s is one of the known submission states.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionNone, SubmissionSubmitted, SubmissionApproved, SubmissionRejected:
		return true
	}
	return false
}

// Registration records that a user joined the club.
type Registration struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	RegisteredAt     time.Time        `json:"registered_at"`
	Status           UserStatus       `json:"status"`
	SubmissionStatus SubmissionStatus `json:"submission_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NewRegistration is the input for creating a Registration.
type NewRegistration struct {
	UserID           string           `json:"user_id"`
	RegisteredAt     time.Time        `json:"registered_at"`
	Status           UserStatus       `json:"status"`
	SubmissionStatus SubmissionStatus `json:"submission_status"`
}
