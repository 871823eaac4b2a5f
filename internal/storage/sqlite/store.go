// Package sqlite keeps members, registrations and admins in a single SQLite
// file, so a command-line client that runs without a data service still
// remembers who registered between invocations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	roll_number TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	branch TEXT NOT NULL DEFAULT '',
	year INTEGER NOT NULL DEFAULT 0,
	phone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	password_hash TEXT NOT NULL DEFAULT '',
	last_login INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS users_status_idx ON users (status);
CREATE TABLE IF NOT EXISTS registrations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	registered_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	submission_status TEXT NOT NULL DEFAULT 'none',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS admins (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'admin',
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

const userColumns = `id, name, roll_number, email, branch, year, phone, status, password_hash, last_login, created_at, updated_at`

const registrationColumns = `id, user_id, registered_at, status, submission_status, created_at`

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Store implements storage.Store over SQLite.
type Store struct {
	db     *sql.DB
	hasher auth.Hasher
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, hasher auth.Hasher) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, hasher: hasher, now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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
	INSERT INTO admins (id, username, email, role, password_hash, created_at)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6)
	ON CONFLICT(username) DO NOTHING;
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), username, email, string(role), hash, toMillis(s.now())); err != nil {
		return fmt.Errorf("seed admin %s: %w", username, err)
	}
	return nil
}

// CreateUser inserts a new member row.
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
	now := toMillis(s.now())
	query := `
	INSERT INTO users (id, name, roll_number, email, branch, year, phone, status, password_hash, created_at, updated_at)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?10)
	RETURNING ` + userColumns + `;`
	row := s.db.QueryRowContext(ctx, query, uuid.NewString(), in.Name, in.RollNumber, in.Email, in.Branch, in.Year, in.Phone, string(models.UserStatusActive), hash, now)
	created, err := scanUser(row)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return models.User{}, storage.ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// GetUserByID fetches a member by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?1;`, id))
}

// GetUserByEmail fetches a member by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?1;`, models.NormalizeEmail(email)))
}

// GetUserByRollNumber fetches a member by roll number.
func (s *Store) GetUserByRollNumber(ctx context.Context, rollNumber string) (models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE roll_number = ?1;`, rollNumber))
}

// UpdateUser applies the set fields of update; unset fields keep their value.
func (s *Store) UpdateUser(ctx context.Context, id string, update models.UserUpdate) (models.User, error) {
	if update.Status != nil && !update.Status.Valid() {
		return models.User{}, fmt.Errorf("update user: unknown status %q", *update.Status)
	}
	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}
	var lastLogin *int64
	if update.LastLogin != nil {
		v := toMillis(*update.LastLogin)
		lastLogin = &v
	}
	query := `
	UPDATE users SET
		name = COALESCE(?2, name),
		branch = COALESCE(?3, branch),
		year = COALESCE(?4, year),
		phone = COALESCE(?5, phone),
		status = COALESCE(?6, status),
		last_login = COALESCE(?7, last_login),
		updated_at = ?8
	WHERE id = ?1
	RETURNING ` + userColumns + `;`
	row := s.db.QueryRowContext(ctx, query, id, nullable(update.Name), nullable(update.Branch), nullable(update.Year), nullable(update.Phone), nullable(status), nullable(lastLogin), toMillis(s.now()))
	return scanUser(row)
}

// CreateRegistration inserts a registration row for an existing member.
func (s *Store) CreateRegistration(ctx context.Context, in models.NewRegistration) (models.Registration, error) {
	query := `
	INSERT INTO registrations (id, user_id, registered_at, status, submission_status, created_at)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6)
	RETURNING ` + registrationColumns + `;`
	row := s.db.QueryRowContext(ctx, query, uuid.NewString(), in.UserID, toMillis(in.RegisteredAt), string(in.Status), string(in.SubmissionStatus), toMillis(s.now()))
	reg, err := scanRegistration(row)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return models.Registration{}, fmt.Errorf("create registration for %s: %w", in.UserID, storage.ErrNotFound)
		}
		return models.Registration{}, fmt.Errorf("create registration: %w", err)
	}
	return reg, nil
}

// AuthenticateAdmin loads the admin by username and compares the bcrypt hash.
func (s *Store) AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error) {
	const query = `SELECT id, username, email, role, password_hash, created_at FROM admins WHERE username = ?1;`
	var (
		admin     models.Admin
		role      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(&admin.ID, &admin.Username, &admin.Email, &role, &admin.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Admin{}, storage.ErrInvalidCredentials
		}
		return models.Admin{}, err
	}
	admin.Role = models.AdminRole(role)
	admin.CreatedAt = fromMillis(createdAt)
	if err := s.hasher.Compare(admin.PasswordHash, password); err != nil {
		return models.Admin{}, storage.ErrInvalidCredentials
	}
	return admin, nil
}

// VerifyUserPassword compares password against the member's stored hash.
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

// ListUsers returns members matching filter, oldest first.
func (s *Store) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE (?1 = '' OR status = ?1) ORDER BY created_at, roll_number;`
	rows, err := s.db.QueryContext(ctx, query, string(filter.Status))
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+registrationColumns+` FROM registrations ORDER BY created_at, rowid;`)
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

// nullable turns an unset field into SQL NULL for COALESCE.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (models.User, error) {
	var (
		user                 models.User
		status               string
		lastLogin            sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&user.ID, &user.Name, &user.RollNumber, &user.Email, &user.Branch, &user.Year, &user.Phone, &status, &user.PasswordHash, &lastLogin, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		return models.User{}, err
	}
	user.Status = models.UserStatus(status)
	if lastLogin.Valid {
		t := fromMillis(lastLogin.Int64)
		user.LastLogin = &t
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, nil
}

func scanRegistration(row scanner) (models.Registration, error) {
	var (
		reg                     models.Registration
		status, submission      string
		registeredAt, createdAt int64
	)
	if err := row.Scan(&reg.ID, &reg.UserID, &registeredAt, &status, &submission, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Registration{}, storage.ErrNotFound
		}
		return models.Registration{}, err
	}
	reg.RegisteredAt = fromMillis(registeredAt)
	reg.CreatedAt = fromMillis(createdAt)
	reg.Status = models.UserStatus(status)
	reg.SubmissionStatus = models.SubmissionStatus(submission)
	return reg, nil
}

func isConstraint(err error, codes ...int) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.Code() == code {
			return true
		}
	}
	return false
}
