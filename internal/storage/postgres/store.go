package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
)

// Ensure Store satisfies the storage.Store interface at compile time.
var _ storage.Store = (*Store)(nil)

const uniqueViolation = "23505"

// Store provides Postgres-backed persistence for members, registrations and admins.
type Store struct {
	pool   *pgxpool.Pool
	hasher auth.Hasher
}

// NewStore creates a new Store and runs migrations.
func NewStore(ctx context.Context, databaseURL string, hasher auth.Hasher) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{pool: pool, hasher: hasher}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			roll_number TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			year INTEGER NOT NULL DEFAULT 0,
			phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			password_hash TEXT NOT NULL DEFAULT '',
			last_login TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS last_login TIMESTAMPTZ;`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS password_hash TEXT NOT NULL DEFAULT '';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_unique_idx ON users (email);`,
		`CREATE INDEX IF NOT EXISTS users_status_idx ON users (status);`,
		`CREATE TABLE IF NOT EXISTS registrations (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			registered_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			submission_status TEXT NOT NULL DEFAULT 'none',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS admins (
			id UUID PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'admin',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

// SeedAdmin inserts an admin account unless one with the username already exists.
func (s *Store) SeedAdmin(ctx context.Context, username, email, password string, role models.AdminRole) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if role == "" {
		role = models.RoleAdmin
	}
	const query = `
	INSERT INTO admins (id, username, email, role, password_hash)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (username) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, uuid.New(), username, email, string(role), hash); err != nil {
		return fmt.Errorf("seed admin %s: %w", username, err)
	}
	return nil
}

const userColumns = `id, name, roll_number, email, branch, year, phone, status, password_hash, last_login, created_at, updated_at`

// CreateUser inserts a new user row.
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
	query := `
	INSERT INTO users (id, name, roll_number, email, branch, year, phone, status, password_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + userColumns + `;`
	row := s.pool.QueryRow(ctx, query, uuid.New(), in.Name, in.RollNumber, in.Email, in.Branch, in.Year, in.Phone, string(models.UserStatusActive), hash)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.User{}, storage.ErrAlreadyExists
		}
		return models.User{}, err
	}
	return created, nil
}

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.User{}, storage.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1;`, id)
	return scanUser(row)
}

// GetUserByEmail fetches a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1;`, models.NormalizeEmail(email))
	return scanUser(row)
}

// GetUserByRollNumber fetches a user by roll number.
func (s *Store) GetUserByRollNumber(ctx context.Context, rollNumber string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE roll_number = $1;`, rollNumber)
	return scanUser(row)
}

// UpdateUser applies the set fields of update; unset fields keep their value.
func (s *Store) UpdateUser(ctx context.Context, id string, update models.UserUpdate) (models.User, error) {
	if update.Status != nil && !update.Status.Valid() {
		return models.User{}, fmt.Errorf("update user: unknown status %q", *update.Status)
	}
	if _, err := uuid.Parse(id); err != nil {
		return models.User{}, storage.ErrNotFound
	}
	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}
	query := `
	UPDATE users SET
		name = COALESCE($2, name),
		branch = COALESCE($3, branch),
		year = COALESCE($4, year),
		phone = COALESCE($5, phone),
		status = COALESCE($6, status),
		last_login = COALESCE($7, last_login),
		updated_at = NOW()
	WHERE id = $1
	RETURNING ` + userColumns + `;`
	row := s.pool.QueryRow(ctx, query, id, update.Name, update.Branch, update.Year, update.Phone, status, update.LastLogin)
	return scanUser(row)
}

// CreateRegistration inserts a registration row for an existing user.
func (s *Store) CreateRegistration(ctx context.Context, in models.NewRegistration) (models.Registration, error) {
	if _, err := uuid.Parse(in.UserID); err != nil {
		return models.Registration{}, fmt.Errorf("create registration for %s: %w", in.UserID, storage.ErrNotFound)
	}
	const query = `
	INSERT INTO registrations (id, user_id, registered_at, status, submission_status)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, user_id, registered_at, status, submission_status, created_at;
	`
	row := s.pool.QueryRow(ctx, query, uuid.New(), in.UserID, in.RegisteredAt, string(in.Status), string(in.SubmissionStatus))
	reg, err := scanRegistration(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Registration{}, fmt.Errorf("create registration for %s: %w", in.UserID, storage.ErrNotFound)
		}
		return models.Registration{}, err
	}
	return reg, nil
}

// AuthenticateAdmin loads the admin by username and compares the bcrypt hash.
func (s *Store) AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error) {
	const query = `
	SELECT id, username, email, role, password_hash, created_at
	FROM admins
	WHERE username = $1;
	`
	var admin models.Admin
	var id uuid.UUID
	var role string
	err := s.pool.QueryRow(ctx, query, username).Scan(&id, &admin.Username, &admin.Email, &role, &admin.PasswordHash, &admin.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Admin{}, storage.ErrInvalidCredentials
		}
		return models.Admin{}, err
	}
	admin.ID = id.String()
	admin.Role = models.AdminRole(role)
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

// ListUsers returns users matching filter, oldest first.
func (s *Store) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ($1 = '' OR status = $1) ORDER BY created_at, roll_number;`
	rows, err := s.pool.Query(ctx, query, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListRegistrations returns every registration, oldest first.
func (s *Store) ListRegistrations(ctx context.Context) ([]models.Registration, error) {
	const query = `
	SELECT id, user_id, registered_at, status, submission_status, created_at
	FROM registrations
	ORDER BY created_at;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var out []models.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var id uuid.UUID
	var status string
	var lastLogin *time.Time
	if err := row.Scan(&id, &user.Name, &user.RollNumber, &user.Email, &user.Branch, &user.Year, &user.Phone, &status, &user.PasswordHash, &lastLogin, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		return models.User{}, err
	}
	user.ID = id.String()
	user.Status = models.UserStatus(status)
	user.LastLogin = lastLogin
	return user, nil
}

func scanRegistration(row pgx.Row) (models.Registration, error) {
	var reg models.Registration
	var id, userID uuid.UUID
	var status, submission string
	if err := row.Scan(&id, &userID, &reg.RegisteredAt, &status, &submission, &reg.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Registration{}, storage.ErrNotFound
		}
		return models.Registration{}, err
	}
	reg.ID = id.String()
	reg.UserID = userID.String()
	reg.Status = models.UserStatus(status)
	reg.SubmissionStatus = models.SubmissionStatus(submission)
	return reg, nil
}
