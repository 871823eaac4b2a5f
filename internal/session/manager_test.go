package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/kv"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
	"github.com/ecell-club/membership/internal/storage/memory"
)

// fakeService wraps the in-memory store and lets tests intercept calls.
type fakeService struct {
	*memory.Store

	mu          sync.Mutex
	rollQueries []string
	emailQuery  []string

	lookupErr   error
	updateErr   error
	createErr   error
	regErr      error
	adminErr    error
	panicLookup bool
	block       chan struct{}
	entered     chan struct{}
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	store, err := memory.New(
		[]memory.SeedAdmin{{Username: "root", Email: "root@inst.edu", Password: "hunter22", Role: models.RoleSuperAdmin}},
		memory.WithHasher(auth.NewHasher(bcrypt.MinCost)),
	)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	return &fakeService{Store: store}
}

func (f *fakeService) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeService) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	f.mu.Lock()
	f.emailQuery = append(f.emailQuery, email)
	f.mu.Unlock()
	if f.panicLookup {
		panic("boom")
	}
	f.wait()
	if f.lookupErr != nil {
		return models.User{}, f.lookupErr
	}
	return f.Store.GetUserByEmail(ctx, email)
}

func (f *fakeService) GetUserByRollNumber(ctx context.Context, roll string) (models.User, error) {
	f.mu.Lock()
	f.rollQueries = append(f.rollQueries, roll)
	f.mu.Unlock()
	if f.panicLookup {
		panic("boom")
	}
	f.wait()
	if f.lookupErr != nil {
		return models.User{}, f.lookupErr
	}
	return f.Store.GetUserByRollNumber(ctx, roll)
}

func (f *fakeService) UpdateUser(ctx context.Context, id string, upd models.UserUpdate) (models.User, error) {
	if f.updateErr != nil {
		return models.User{}, f.updateErr
	}
	return f.Store.UpdateUser(ctx, id, upd)
}

func (f *fakeService) CreateUser(ctx context.Context, in models.NewUser) (models.User, error) {
	if f.createErr != nil {
		return models.User{}, f.createErr
	}
	return f.Store.CreateUser(ctx, in)
}

func (f *fakeService) CreateRegistration(ctx context.Context, in models.NewRegistration) (models.Registration, error) {
	if f.regErr != nil {
		return models.Registration{}, f.regErr
	}
	return f.Store.CreateRegistration(ctx, in)
}

func (f *fakeService) AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error) {
	f.wait()
	if f.adminErr != nil {
		return models.Admin{}, f.adminErr
	}
	return f.Store.AuthenticateAdmin(ctx, username, password)
}

// failingStore is a kv.Store whose writes and removes can be made to fail.
type failingStore struct {
	kv.Memory
	setErr    error
	removeErr error
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.Memory.Set(ctx, key, value)
}

func (s *failingStore) Remove(ctx context.Context, key string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.Memory.Remove(ctx, key)
}

func newTestManager(t *testing.T) (*Manager, *fakeService, *kv.Memory) {
	t.Helper()
	data := newFakeService(t)
	store := kv.NewMemory()
	m := New(store, data, Options{EmailDomain: "inst.edu"})
	m.Initialize(context.Background())
	return m, data, store
}

func registerUser(t *testing.T, m *Manager, email, roll string) {
	t.Helper()
	err := m.Register(context.Background(), models.NewUser{
		Name:       "Test Member",
		Email:      email,
		RollNumber: roll,
		Branch:     "CSE",
		Year:       2,
		Phone:      "9999999999",
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")

	if m.IsAuthenticated() {
		t.Fatal("register must not sign the member in")
	}
	if err := m.Login(ctx, "a@inst.edu", "any password at all"); err != nil {
		t.Fatalf("login: %v", err)
	}
	u, ok := m.User()
	if !ok {
		t.Fatal("expected a session after login")
	}
	if u.RollNumber != "R1" || u.Email != "a@inst.edu" || u.Branch != "CSE" || u.Year != 2 {
		t.Fatalf("unexpected session user: %+v", u)
	}

	stored, err := data.Store.GetUserByEmail(ctx, "a@inst.edu")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.LastLogin == nil {
		t.Fatal("expected last login to be recorded")
	}

	raw, err := store.Get(ctx, KeyUser)
	if err != nil {
		t.Fatalf("expected persisted user record: %v", err)
	}
	restored, version, err := decodeUser(raw)
	if err != nil || version != RecordVersion || restored != u {
		t.Fatalf("persisted record out of sync: %+v v%d %v", restored, version, err)
	}

	regs, _ := data.ListRegistrations(ctx)
	if len(regs) != 1 || regs[0].UserID != u.ID || regs[0].Status != models.UserStatusActive || regs[0].SubmissionStatus != models.SubmissionNone {
		t.Fatalf("unexpected registration records: %+v", regs)
	}
}

func TestLoginRollNumberIsUpperCased(t *testing.T) {
	m, data, _ := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "ABC123")

	if err := m.Login(ctx, "abc123", "pw"); err != nil {
		t.Fatalf("login lower case: %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := m.Login(ctx, "ABC123", "pw"); err != nil {
		t.Fatalf("login upper case: %v", err)
	}

	data.mu.Lock()
	defer data.mu.Unlock()
	// Register checks the roll number once; both logins follow.
	got := data.rollQueries[len(data.rollQueries)-2:]
	if got[0] != "ABC123" || got[1] != "ABC123" {
		t.Fatalf("roll number lookups differ: %v", got)
	}
}

func TestLoginRejectsForeignDomain(t *testing.T) {
	m, data, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := data.Store.CreateUser(ctx, models.NewUser{Name: "X", Email: "x@gmail.com", RollNumber: "R9"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := m.Login(ctx, "x@gmail.com", "pw")
	if KindOf(err) != KindInvalidDomain {
		t.Fatalf("expected InvalidDomain, got %v", err)
	}
	if err.Error() == "" {
		t.Fatal("expected a user-facing message")
	}
	if m.IsAuthenticated() {
		t.Fatal("no session expected")
	}
	if len(data.emailQuery) != 0 {
		t.Fatalf("domain check must happen before lookup, got queries %v", data.emailQuery)
	}
}

func TestLoginNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.Login(ctx, "ghost@inst.edu", "pw"); KindOf(err) != KindNotFound {
		t.Fatalf("email: expected NotFound, got %v", err)
	}
	if err := m.Login(ctx, "R404", "pw"); KindOf(err) != KindNotFound {
		t.Fatalf("roll number: expected NotFound, got %v", err)
	}
	if err := m.Login(ctx, "   ", "pw"); KindOf(err) != KindInvalidInput {
		t.Fatalf("blank identifier: expected InvalidInput, got %v", err)
	}
}

func TestLoginFaultsAreContained(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()

	data.lookupErr = errors.New("connection reset")
	if err := m.Login(ctx, "R1", "pw"); KindOf(err) != KindLoginFailed {
		t.Fatalf("expected LoginFailed, got %v", err)
	}

	data.lookupErr = nil
	data.panicLookup = true
	err := m.Login(ctx, "R1", "pw")
	if KindOf(err) != KindLoginFailed {
		t.Fatalf("expected LoginFailed after panic, got %v", err)
	}
	if m.IsLoading() {
		t.Fatal("loading flag leaked after panic")
	}
	if m.IsAuthenticated() || store.Len() != 0 {
		t.Fatal("failed login must not leave a session")
	}
}

func TestLoginSurvivesLastLoginUpdateFailure(t *testing.T) {
	m, data, _ := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")

	data.updateErr = errors.New("read only replica")
	if err := m.Login(ctx, "R1", "pw"); err != nil {
		t.Fatalf("login should ignore last-login failure: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected session")
	}
}

func TestLoginPersistFailureLeavesNoSession(t *testing.T) {
	data := newFakeService(t)
	store := &failingStore{setErr: errors.New("disk full")}
	m := New(store, data, Options{EmailDomain: "inst.edu"})
	m.Initialize(context.Background())
	registerUser(t, m, "a@inst.edu", "R1")

	if err := m.Login(context.Background(), "R1", "pw"); KindOf(err) != KindLoginFailed {
		t.Fatalf("expected LoginFailed, got %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("in-memory session must stay in sync with the store")
	}
}

func TestRegisterChecksEmailBeforeRollNumber(t *testing.T) {
	m, _, _ := newTestManager(t)
	registerUser(t, m, "a@inst.edu", "R1")
	ctx := context.Background()

	err := m.Register(ctx, models.NewUser{Name: "B", Email: "a@inst.edu", RollNumber: "R1"})
	if KindOf(err) != KindDuplicateEmail {
		t.Fatalf("expected DuplicateEmail, got %v", err)
	}
	err = m.Register(ctx, models.NewUser{Name: "B", Email: "b@inst.edu", RollNumber: "r1"})
	if KindOf(err) != KindDuplicateRollNumber {
		t.Fatalf("expected DuplicateRollNumber, got %v", err)
	}
	err = m.Register(ctx, models.NewUser{Name: "", Email: "c@inst.edu", RollNumber: "R3"})
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestRegisterRejectsOutsideDomain(t *testing.T) {
	m, data, _ := newTestManager(t)
	err := m.Register(context.Background(), models.NewUser{Name: "A", Email: "a@gmail.com", RollNumber: "R1"})
	if KindOf(err) != KindInvalidDomain {
		t.Fatalf("expected InvalidDomain, got %v", err)
	}
	if len(data.emailQuery) != 0 {
		t.Fatalf("data service should not be consulted, saw %v", data.emailQuery)
	}
	if _, err := data.GetUserByRollNumber(context.Background(), "R1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no account should be created, got %v", err)
	}
}

func TestRegisterCreateFailure(t *testing.T) {
	m, data, _ := newTestManager(t)
	data.createErr = storage.ErrAlreadyExists
	err := m.Register(context.Background(), models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1"})
	if KindOf(err) != KindCreateFailed {
		t.Fatalf("expected CreateFailed, got %v", err)
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestRegisterRegistrationRecordIsBestEffort(t *testing.T) {
	m, data, _ := newTestManager(t)
	data.regErr = errors.New("registrations table missing")
	registerUser(t, m, "a@inst.edu", "R1")

	if _, err := data.Store.GetUserByEmail(context.Background(), "a@inst.edu"); err != nil {
		t.Fatalf("user should exist: %v", err)
	}
	regs, _ := data.ListRegistrations(context.Background())
	if len(regs) != 0 {
		t.Fatalf("expected no registration records, got %d", len(regs))
	}
}

func TestLogoutClearsSessionAndRecord(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")
	if err := m.Login(ctx, "a@inst.edu", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("expected no session after logout")
	}
	if _, err := store.Get(ctx, KeyUser); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected persisted record removed, got %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("second logout: %v", err)
	}

	next := New(store, data, Options{EmailDomain: "inst.edu"})
	next.Initialize(ctx)
	if next.IsAuthenticated() || !next.IsInitialized() {
		t.Fatalf("unexpected restored state: %+v", next.State())
	}
}

func TestLogoutClearsMemoryWhenStoreFails(t *testing.T) {
	data := newFakeService(t)
	store := &failingStore{}
	m := New(store, data, Options{})
	m.Initialize(context.Background())
	registerUser(t, m, "a@inst.edu", "R1")
	if err := m.Login(context.Background(), "R1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	store.removeErr = errors.New("locked")
	if err := m.Logout(context.Background()); err == nil {
		t.Fatal("expected store error to be returned")
	}
	if m.IsAuthenticated() {
		t.Fatal("memory session must be cleared regardless")
	}
}

func TestInitializeRestoresSessions(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")
	if err := m.Login(ctx, "R1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.AdminLogin(ctx, "root", "hunter22"); err != nil {
		t.Fatalf("admin login: %v", err)
	}

	next := New(store, data, Options{EmailDomain: "inst.edu"})
	if next.IsInitialized() {
		t.Fatal("must not be initialized before Initialize")
	}
	next.Initialize(ctx)
	st := next.State()
	if !st.IsInitialized || !st.IsAuthenticated || !st.IsAdminAuthenticated {
		t.Fatalf("expected both sessions restored: %+v", st)
	}
	if st.User.RollNumber != "R1" || st.Admin.Username != "root" || st.Admin.Role != models.RoleSuperAdmin {
		t.Fatalf("unexpected restored state: %+v %+v", st.User, st.Admin)
	}
}

func TestInitializeDiscardsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	_ = store.Set(ctx, KeyUser, []byte("{not json"))
	_ = store.Set(ctx, KeyAdmin, []byte(`{"v":2,"id":"a1","username":"root","role":"janitor"}`))

	m := New(store, newFakeService(t), Options{})
	m.Initialize(ctx)

	st := m.State()
	if !st.IsInitialized || st.IsAuthenticated || st.IsAdminAuthenticated {
		t.Fatalf("expected initialized with no sessions: %+v", st)
	}
	if store.Len() != 0 {
		t.Fatalf("expected malformed records removed, %d keys remain", store.Len())
	}
}

func TestInitializeMigratesLegacyRecord(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	legacy := `{"id":"u1","name":"Asha","roll_number":"R1","email":"a@inst.edu","branch":"ECE","year":"3","phone_number":"123","status":"pending"}`
	_ = store.Set(ctx, KeyUser, []byte(legacy))

	m := New(store, newFakeService(t), Options{})
	m.Initialize(ctx)

	u, ok := m.User()
	if !ok {
		t.Fatal("expected legacy session restored")
	}
	want := models.SessionUser{ID: "u1", Name: "Asha", RollNumber: "R1", Email: "a@inst.edu", Branch: "ECE", Year: 3, Phone: "123", Status: models.UserStatusPending}
	if u != want {
		t.Fatalf("migration mismatch:\n got %+v\nwant %+v", u, want)
	}

	raw, _ := store.Get(ctx, KeyUser)
	if _, version, err := decodeUser(raw); err != nil || version != RecordVersion {
		t.Fatalf("expected record rewritten at current version, got v%d %v", version, err)
	}
}

func TestInitializeRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, newFakeService(t), Options{})
	m.Initialize(ctx)

	rec, _ := encodeUser(models.SessionUser{ID: "late", RollNumber: "R2"})
	_ = store.Set(ctx, KeyUser, rec)
	m.Initialize(ctx)
	if m.IsAuthenticated() {
		t.Fatal("second Initialize must not restore again")
	}
}

func TestAdminLoginAndLogout(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()

	if err := m.AdminLogin(ctx, "root", "wrong"); KindOf(err) != KindInvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
	if m.IsAdminAuthenticated() {
		t.Fatal("no admin session expected")
	}

	if err := m.AdminLogin(ctx, "root", "hunter22"); err != nil {
		t.Fatalf("admin login: %v", err)
	}
	a, ok := m.Admin()
	if !ok || a.Username != "root" || a.Email != "root@inst.edu" {
		t.Fatalf("unexpected admin session: %+v", a)
	}
	if m.IsAuthenticated() {
		t.Fatal("admin login must not create a member session")
	}
	if _, err := store.Get(ctx, KeyAdmin); err != nil {
		t.Fatalf("expected persisted admin record: %v", err)
	}

	if err := m.AdminLogout(ctx); err != nil {
		t.Fatalf("admin logout: %v", err)
	}
	if m.IsAdminAuthenticated() {
		t.Fatal("expected admin session cleared")
	}
	if _, err := store.Get(ctx, KeyAdmin); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected admin record removed, got %v", err)
	}

	data.adminErr = errors.New("service unavailable")
	if err := m.AdminLogin(ctx, "root", "hunter22"); KindOf(err) != KindAuthFailed {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")
	if err := m.Login(ctx, "R1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.AdminLogin(ctx, "root", "hunter22"); err != nil {
		t.Fatalf("admin login: %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !m.IsAdminAuthenticated() {
		t.Fatal("member logout must not end the admin session")
	}
}

func TestIsLoadingOnlyWhileInFlight(t *testing.T) {
	m, data, _ := newTestManager(t)
	registerUser(t, m, "a@inst.edu", "R1")
	if m.IsLoading() {
		t.Fatal("loading before any call")
	}

	data.entered = make(chan struct{})
	data.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- m.Login(context.Background(), "R1", "pw") }()

	<-data.entered
	if !m.IsLoading() || !m.State().IsLoading {
		t.Fatal("expected loading while login is in flight")
	}
	close(data.block)
	if err := <-done; err != nil {
		t.Fatalf("login: %v", err)
	}
	if m.IsLoading() {
		t.Fatal("loading after login returned")
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	registerUser(t, m, "a@inst.edu", "R1")

	var mu sync.Mutex
	var states []State
	cancel := m.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Login(ctx, "R1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	cancel()
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// loading on, session set, loading off
	if len(states) != 3 {
		t.Fatalf("expected 3 notifications, got %d: %+v", len(states), states)
	}
	if !states[0].IsLoading || states[0].IsAuthenticated {
		t.Fatalf("first notification: %+v", states[0])
	}
	if !states[1].IsAuthenticated || !states[1].IsLoading {
		t.Fatalf("second notification: %+v", states[1])
	}
	if !states[2].IsAuthenticated || states[2].IsLoading {
		t.Fatalf("third notification: %+v", states[2])
	}
}

func TestVerifyPasswords(t *testing.T) {
	data := newFakeService(t)
	store := kv.NewMemory()
	m := New(store, data, Options{EmailDomain: "inst.edu", VerifyPasswords: true, Now: func() time.Time { return time.Unix(0, 0) }})
	m.Initialize(context.Background())
	ctx := context.Background()

	if err := m.Register(ctx, models.NewUser{Name: "A", Email: "a@inst.edu", RollNumber: "R1", Password: "correct-pass"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Login(ctx, "R1", "wrong-pass"); KindOf(err) != KindInvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
	if err := m.Login(ctx, "R1", "correct-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	stored, _ := data.Store.GetUserByRollNumber(ctx, "R1")
	if stored.LastLogin == nil || !stored.LastLogin.Equal(time.Unix(0, 0)) {
		t.Fatalf("expected injected clock for last login, got %v", stored.LastLogin)
	}
}

func TestRefreshPicksUpProfileChanges(t *testing.T) {
	m, data, store := newTestManager(t)
	ctx := context.Background()
	if err := m.Refresh(ctx); KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound without a session, got %v", err)
	}

	registerUser(t, m, "a@inst.edu", "R1")
	if err := m.Login(ctx, "R1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	u, _ := m.User()
	branch := "Mechanical"
	if _, err := data.Store.UpdateUser(ctx, u.ID, models.UserUpdate{Branch: &branch}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if u, _ := m.User(); u.Branch != "Mechanical" {
		t.Fatalf("refresh did not update session: %+v", u)
	}
	raw, _ := store.Get(ctx, KeyUser)
	if rec, _, _ := decodeUser(raw); rec.Branch != "Mechanical" {
		t.Fatalf("refresh did not update persisted record: %+v", rec)
	}
}
