// Package memory is an in-process mock of the data service. It keeps every
// record in maps guarded by a single mutex and is safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// SeedAdmin describes an admin account created at construction time.
type SeedAdmin struct {
	Username string
	Email    string
	Password string
	Role     models.AdminRole
}

// Store is the in-memory data service.
type Store struct {
	mu            sync.RWMutex
	hasher        auth.Hasher
	now           func() time.Time
	users         map[string]models.User
	registrations []models.Registration
	admins        map[string]models.Admin
}

// Option configures a Store.
type Option func(*Store)

// WithHasher overrides the password hasher.
func WithHasher(h auth.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store seeded with the given admins.
func New(seed []SeedAdmin, opts ...Option) (*Store, error) {
	s := &Store{
		hasher: auth.NewHasher(0),
		now:    time.Now,
		users:  make(map[string]models.User),
		admins: make(map[string]models.Admin),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, a := range seed {
		if err := s.addAdmin(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) addAdmin(a SeedAdmin) error {
	username := strings.TrimSpace(a.Username)
	if username == "" {
		return fmt.Errorf("seed admin: username is required")
	}
	role := a.Role
	if role == "" {
		role = models.RoleAdmin
	}
	hash, err := s.hasher.Hash(a.Password)
	if err != nil {
		return fmt.Errorf("seed admin %s: %w", username, err)
	}
	s.admins[username] = models.Admin{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        a.Email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	return nil
}

// GetUserByEmail returns the user whose email matches case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	email = models.NormalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

// GetUserByRollNumber returns the user with the exact roll number.
func (s *Store) GetUserByRollNumber(ctx context.Context, rollNumber string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.RollNumber == rollNumber {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

// GetUserByID returns the user with the given id.
func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return u, nil
}

// UpdateUser applies a partial update and bumps updated_at.
func (s *Store) UpdateUser(ctx context.Context, id string, update models.UserUpdate) (models.User, error) {
	if update.Status != nil && !update.Status.Valid() {
		return models.User{}, fmt.Errorf("update user: unknown status %q", *update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	update.Apply(&u)
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u
	return u, nil
}

// CreateUser inserts a new user. Email and roll number must be unique.
func (s *Store) CreateUser(ctx context.Context, in models.NewUser) (models.User, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	var hash string
	if in.Password != "" {
		var err error
		if hash, err = s.hasher.Hash(in.Password); err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == in.Email || u.RollNumber == in.RollNumber {
			return models.User{}, storage.ErrAlreadyExists
		}
	}
	now := s.now().UTC()
	u := models.User{
		ID:           uuid.NewString(),
		Name:         in.Name,
		RollNumber:   in.RollNumber,
		Email:        in.Email,
		Branch:       in.Branch,
		Year:         in.Year,
		Phone:        in.Phone,
		Status:       models.UserStatusActive,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	return u, nil
}

// CreateRegistration records a registration for an existing user.
func (s *Store) CreateRegistration(ctx context.Context, in models.NewRegistration) (models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.UserID]; !ok {
		return models.Registration{}, fmt.Errorf("create registration for %s: %w", in.UserID, storage.ErrNotFound)
	}
	reg := models.Registration{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		RegisteredAt:     in.RegisteredAt.UTC(),
		Status:           in.Status,
		SubmissionStatus: in.SubmissionStatus,
		CreatedAt:        s.now().UTC(),
	}
	s.registrations = append(s.registrations, reg)
	return reg, nil
}

// AuthenticateAdmin checks the admin's bcrypt hash.
func (s *Store) AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error) {
	s.mu.RLock()
	admin, ok := s.admins[strings.TrimSpace(username)]
	s.mu.RUnlock()
	if !ok {
		return models.Admin{}, storage.ErrInvalidCredentials
	}
	if err := s.hasher.Compare(admin.PasswordHash, password); err != nil {
		return models.Admin{}, storage.ErrInvalidCredentials
	}
	return admin, nil
}

// VerifyUserPassword compares password against the user's stored hash.
func (s *Store) VerifyUserPassword(ctx context.Context, id, password string) error {
	u, err := s.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		return storage.ErrInvalidCredentials
	}
	return nil
}

// ListUsers returns matching users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, error) {
	s.mu.RLock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RollNumber < out[j].RollNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListRegistrations returns registrations in insertion order.
func (s *Store) ListRegistrations(ctx context.Context) ([]models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Registration, len(s.registrations))
	copy(out, s.registrations)
	return out, nil
}
