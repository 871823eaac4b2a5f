package session

import (
	"errors"
	"fmt"
)

// Kind classifies a failed session operation.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidDomain       Kind = "invalid_domain"
	KindNotFound            Kind = "not_found"
	KindDuplicateEmail      Kind = "duplicate_email"
	KindDuplicateRollNumber Kind = "duplicate_roll_number"
	KindCreateFailed        Kind = "create_failed"
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindLoginFailed         Kind = "login_failed"
	KindRegisterFailed      Kind = "register_failed"
	KindAuthFailed          Kind = "auth_failed"
)

var defaultMessages = map[Kind]string{
	KindInvalidInput:        "Please fill in all required fields.",
	KindInvalidDomain:       "Please use your institutional email address.",
	KindNotFound:            "No account found with these details. Please register first.",
	KindDuplicateEmail:      "An account with this email already exists.",
	KindDuplicateRollNumber: "An account with this roll number already exists.",
	KindCreateFailed:        "Could not create your account. Please try again.",
	KindInvalidCredentials:  "Invalid username or password.",
	KindLoginFailed:         "Login failed. Please try again.",
	KindRegisterFailed:      "Registration failed. Please try again.",
	KindAuthFailed:          "Authentication failed. Please try again.",
}

// Error is the result of a failed session operation. Message is safe to
// show to the person at the keyboard; Err holds the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind], Err: cause}
}

func newErrorf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of a session error, or "" for nil and foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
