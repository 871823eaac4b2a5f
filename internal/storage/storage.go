package storage

import (
	"context"
	"errors"

	"github.com/ecell-club/membership/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// ErrInvalidCredentials indicates a username/password pair did not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service is the data service consumed by the session context.
type Service interface {
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByRollNumber(ctx context.Context, rollNumber string) (models.User, error)
	UpdateUser(ctx context.Context, id string, update models.UserUpdate) (models.User, error)
	CreateUser(ctx context.Context, user models.NewUser) (models.User, error)
	CreateRegistration(ctx context.Context, reg models.NewRegistration) (models.Registration, error)
	AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error)
}

// PasswordVerifier checks a user's password without exposing the stored hash.
type PasswordVerifier interface {
	VerifyUserPassword(ctx context.Context, id, password string) error
}

// Dashboard captures the admin-only listing operations.
type Dashboard interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, error)
	ListRegistrations(ctx context.Context) ([]models.Registration, error)
}

// Store is a complete backing store: everything the server exposes.
type Store interface {
	Service
	PasswordVerifier
	Dashboard
}
