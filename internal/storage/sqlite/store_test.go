package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, auth.NewHasher(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  ", auth.NewHasher(bcrypt.MinCost)); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCreateAndLookupUser(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "members.db"))
	ctx := context.Background()

	created, err := s.CreateUser(ctx, models.NewUser{Name: "Asha", Email: " Asha@Inst.edu ", RollNumber: "r1", Branch: "CSE", Year: 2, Password: "open-sesame"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != models.UserStatusActive || created.LastLogin != nil {
		t.Fatalf("unexpected created user: %+v", created)
	}
	if created.Email != "asha@inst.edu" || created.RollNumber != "R1" {
		t.Fatalf("create did not normalize: %+v", created)
	}

	byEmail, err := s.GetUserByEmail(ctx, "ASHA@inst.edu")
	if err != nil || byEmail.ID != created.ID {
		t.Fatalf("lookup by email: %+v %v", byEmail, err)
	}
	byRoll, err := s.GetUserByRollNumber(ctx, "R1")
	if err != nil || byRoll.ID != created.ID || byRoll.Year != 2 {
		t.Fatalf("lookup by roll number: %+v %v", byRoll, err)
	}
	if _, err := s.GetUserByRollNumber(ctx, "R2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound by id, got %v", err)
	}

	if err := s.VerifyUserPassword(ctx, created.ID, "open-sesame"); err != nil {
		t.Fatalf("verify password: %v", err)
	}
	if err := s.VerifyUserPassword(ctx, created.ID, "wrong"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "members.db"))
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateUser(ctx, models.NewUser{Name: "B", Email: "a@inst.edu", RollNumber: "R2"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate email: expected ErrAlreadyExists, got %v", err)
	}
	if _, err := s.CreateUser(ctx, models.NewUser{Name: "B", Email: "b@inst.edu", RollNumber: "r1"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate roll number: expected ErrAlreadyExists, got %v", err)
	}
	if _, err := s.CreateUser(ctx, models.NewUser{Email: "c@inst.edu", RollNumber: "R3"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestUpdateUser(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "members.db"))
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	u, err := s.CreateUser(ctx, models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1", Phone: "1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = clock.Add(time.Hour)
	login := clock.Add(-time.Minute)
	status := models.UserStatusPending
	updated, err := s.UpdateUser(ctx, u.ID, models.UserUpdate{Status: &status, LastLogin: &login})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != models.UserStatusPending || updated.Phone != "1" || updated.Name != "A" {
		t.Fatalf("unset fields should be kept: %+v", updated)
	}
	if updated.LastLogin == nil || !updated.LastLogin.Equal(login) || !updated.UpdatedAt.Equal(clock) {
		t.Fatalf("timestamps not stored: %+v", updated)
	}

	name := "Asha"
	updated, err = s.UpdateUser(ctx, u.ID, models.UserUpdate{Name: &name})
	if err != nil || updated.Name != "Asha" || updated.LastLogin == nil {
		t.Fatalf("second update: %+v %v", updated, err)
	}

	if _, err := s.UpdateUser(ctx, "missing", models.UserUpdate{Name: &name}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	bad := models.UserStatus("banned")
	if _, err := s.UpdateUser(ctx, u.ID, models.UserUpdate{Status: &bad}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestRegistrationsAndDashboard(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "members.db"))
	ctx := context.Background()

	a, err := s.CreateUser(ctx, models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := s.CreateUser(ctx, models.NewUser{Name: "B", Email: "b@inst.edu", RollNumber: "R2"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	inactive := models.UserStatusInactive
	if _, err := s.UpdateUser(ctx, b.ID, models.UserUpdate{Status: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, err := s.CreateRegistration(ctx, models.NewRegistration{UserID: a.ID, RegisteredAt: at, Status: models.UserStatusActive, SubmissionStatus: models.SubmissionNone})
	if err != nil {
		t.Fatalf("create registration: %v", err)
	}
	if reg.ID == "" || reg.UserID != a.ID || !reg.RegisteredAt.Equal(at) {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	if _, err := s.CreateRegistration(ctx, models.NewRegistration{UserID: "ghost", RegisteredAt: at, Status: models.UserStatusActive, SubmissionStatus: models.SubmissionNone}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	all, err := s.ListUsers(ctx, models.UserFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %+v %v", all, err)
	}
	onlyInactive, err := s.ListUsers(ctx, models.UserFilter{Status: models.UserStatusInactive})
	if err != nil || len(onlyInactive) != 1 || onlyInactive[0].ID != b.ID {
		t.Fatalf("list inactive: %+v %v", onlyInactive, err)
	}
	regs, err := s.ListRegistrations(ctx)
	if err != nil || len(regs) != 1 || regs[0].ID != reg.ID {
		t.Fatalf("list registrations: %+v %v", regs, err)
	}
}

func TestAdminsAndPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "members.db")
	ctx := context.Background()

	first, err := Open(path, auth.NewHasher(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SeedAdmin(ctx, "root", "root@inst.edu", "hunter22", models.RoleSuperAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := first.CreateUser(ctx, models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTestStore(t, path)
	if err := second.SeedAdmin(ctx, "root", "", "changed", models.RoleAdmin); err != nil {
		t.Fatalf("reseed admin: %v", err)
	}
	admin, err := second.AuthenticateAdmin(ctx, "root", "hunter22")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if admin.Role != models.RoleSuperAdmin || admin.Email != "root@inst.edu" {
		t.Fatalf("seeding twice must keep the first account: %+v", admin)
	}
	if _, err := second.AuthenticateAdmin(ctx, "root", "changed"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := second.AuthenticateAdmin(ctx, "nobody", "x"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown admin, got %v", err)
	}
	if _, err := second.GetUserByRollNumber(ctx, "R1"); err != nil {
		t.Fatalf("member lost across reopen: %v", err)
	}
	if err := second.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
