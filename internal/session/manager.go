// Package session holds the signed-in member and the signed-in admin for one
// client, mirrors both into a kv.Store, and restores them on start.
//
// The user slot and the admin slot are independent. Login and AdminLogin
// are the only ways to fill a slot; Logout and AdminLogout the only ways to
// empty one. Every failed operation returns an *Error whose Message can be
// shown to the person at the keyboard.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecell-club/membership/internal/kv"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/storage"
)

// Options configures a Manager.
type Options struct {
	// EmailDomain is the institutional domain login emails must belong to,
	// e.g. "inst.edu". Empty accepts any email.
	EmailDomain string
	// VerifyPasswords makes Login check the password with the data
	// service. The data service must then implement storage.PasswordVerifier.
	VerifyPasswords bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// State is a point-in-time copy of the session.
type State struct {
	User                 *models.SessionUser
	Admin                *models.SessionAdmin
	IsAuthenticated      bool
	IsAdminAuthenticated bool
	IsLoading            bool
	IsInitialized        bool
}

// Manager is the session context. It is safe for concurrent use; operations
// on the same slot are serialized.
type Manager struct {
	store       kv.Store
	data        storage.Service
	emailSuffix string
	verify      bool
	logger      *slog.Logger
	now         func() time.Time

	initOnce sync.Once
	userOp   sync.Mutex
	adminOp  sync.Mutex

	mu          sync.RWMutex
	user        *models.SessionUser
	admin       *models.SessionAdmin
	initialized bool

	inFlight atomic.Int32

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

// New returns a Manager over store and data. Call Initialize before relying
// on the absence of a session.
func New(store kv.Store, data storage.Service, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var suffix string
	if d := strings.ToLower(strings.TrimSpace(opts.EmailDomain)); d != "" {
		suffix = "@" + strings.TrimPrefix(d, "@")
	}
	return &Manager{
		store:       store,
		data:        data,
		emailSuffix: suffix,
		verify:      opts.VerifyPasswords,
		logger:      logger,
		now:         now,
		listeners:   make(map[int]func(State)),
	}
}

// Initialize restores both sessions from the store. Only the first call does
// any work. A record that cannot be decoded is removed and its slot left
// empty. IsInitialized is true afterwards whatever happened.
func (m *Manager) Initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		m.userOp.Lock()
		m.adminOp.Lock()
		defer m.adminOp.Unlock()
		defer m.userOp.Unlock()

		user := m.restoreUser(ctx)
		admin := m.restoreAdmin(ctx)

		m.mu.Lock()
		m.user = user
		m.admin = admin
		m.initialized = true
		m.mu.Unlock()
		m.notify()
	})
}

func (m *Manager) restoreUser(ctx context.Context) *models.SessionUser {
	data, ok := m.load(ctx, KeyUser)
	if !ok {
		return nil
	}
	u, version, err := decodeUser(data)
	if err != nil {
		m.discard(ctx, KeyUser, err)
		return nil
	}
	if version != RecordVersion {
		m.persistBestEffort(ctx, KeyUser, func() ([]byte, error) { return encodeUser(u) })
	}
	return &u
}

func (m *Manager) restoreAdmin(ctx context.Context) *models.SessionAdmin {
	data, ok := m.load(ctx, KeyAdmin)
	if !ok {
		return nil
	}
	a, version, err := decodeAdmin(data)
	if err != nil {
		m.discard(ctx, KeyAdmin, err)
		return nil
	}
	if version != RecordVersion {
		m.persistBestEffort(ctx, KeyAdmin, func() ([]byte, error) { return encodeAdmin(a) })
	}
	return &a
}

func (m *Manager) load(ctx context.Context, key string) ([]byte, bool) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.logger.Warn("session restore: read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (m *Manager) discard(ctx context.Context, key string, cause error) {
	m.logger.Warn("session restore: discarding unreadable record", "key", key, "error", cause)
	if err := m.store.Remove(ctx, key); err != nil {
		m.logger.Warn("session restore: remove failed", "key", key, "error", err)
	}
}

func (m *Manager) persistBestEffort(ctx context.Context, key string, encode func() ([]byte, error)) {
	data, err := encode()
	if err == nil {
		err = m.store.Set(ctx, key, data)
	}
	if err != nil {
		m.logger.Warn("session restore: rewrite failed", "key", key, "error", err)
	}
}

// Login signs a member in by email or roll number. An identifier containing
// "@" is an email and must belong to the institutional domain; anything else
// is a roll number and is upper-cased before lookup.
func (m *Manager) Login(ctx context.Context, identifier, password string) (err error) {
	m.userOp.Lock()
	defer m.userOp.Unlock()
	defer m.beginLoading()()
	defer m.recoverFault(&err, KindLoginFailed, "login")

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return newErrorf(KindInvalidInput, nil, "Please enter your email or roll number.")
	}

	var user models.User
	if strings.Contains(identifier, "@") {
		email := models.NormalizeEmail(identifier)
		if !m.emailAllowed(email) {
			return newErrorf(KindInvalidDomain, nil, "Please use your institutional email address (ending in %s).", m.emailSuffix)
		}
		user, err = m.data.GetUserByEmail(ctx, email)
	} else {
		user, err = m.data.GetUserByRollNumber(ctx, models.NormalizeRollNumber(identifier))
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(KindNotFound, err)
		}
		m.logger.Error("login: lookup failed", "error", err)
		return newError(KindLoginFailed, err)
	}

	if m.verify {
		if err := m.verifyPassword(ctx, user.ID, password); err != nil {
			return err
		}
	}

	now := m.now().UTC()
	if _, err := m.data.UpdateUser(ctx, user.ID, models.UserUpdate{LastLogin: &now}); err != nil {
		m.logger.Warn("login: last login update failed", "user_id", user.ID, "error", err)
	}

	su := models.SessionUserFrom(user)
	data, err := encodeUser(su)
	if err == nil {
		err = m.store.Set(ctx, KeyUser, data)
	}
	if err != nil {
		m.logger.Error("login: persist session failed", "user_id", user.ID, "error", err)
		return newError(KindLoginFailed, err)
	}

	m.mu.Lock()
	m.user = &su
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Manager) verifyPassword(ctx context.Context, userID, password string) error {
	verifier, ok := m.data.(storage.PasswordVerifier)
	if !ok {
		m.logger.Error("login: password verification enabled but data service cannot verify passwords")
		return newError(KindLoginFailed, errors.New("data service does not verify passwords"))
	}
	if err := verifier.VerifyUserPassword(ctx, userID, password); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			return newErrorf(KindInvalidCredentials, err, "Invalid credentials.")
		}
		m.logger.Error("login: password verification failed", "user_id", userID, "error", err)
		return newError(KindLoginFailed, err)
	}
	return nil
}

func (m *Manager) emailAllowed(email string) bool {
	return m.emailSuffix == "" || strings.HasSuffix(email, m.emailSuffix)
}

// Register creates a member account. The email must belong to the
// institutional domain, as for Login. Email uniqueness is checked before roll
// number uniqueness. The follow-up registration record is best-effort: its
// failure is logged and Register still succeeds. Register does not sign the
// member in.
func (m *Manager) Register(ctx context.Context, in models.NewUser) (err error) {
	defer m.beginLoading()()
	defer m.recoverFault(&err, KindRegisterFailed, "register")

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return newErrorf(KindInvalidInput, err, "Invalid registration: %s.", err)
	}
	if !m.emailAllowed(in.Email) {
		return newErrorf(KindInvalidDomain, nil, "Please use your institutional email address (ending in %s).", m.emailSuffix)
	}

	if _, err := m.data.GetUserByEmail(ctx, in.Email); err == nil {
		return newError(KindDuplicateEmail, nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		m.logger.Error("register: email lookup failed", "error", err)
		return newError(KindRegisterFailed, err)
	}
	if _, err := m.data.GetUserByRollNumber(ctx, in.RollNumber); err == nil {
		return newError(KindDuplicateRollNumber, nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		m.logger.Error("register: roll number lookup failed", "error", err)
		return newError(KindRegisterFailed, err)
	}

	created, err := m.data.CreateUser(ctx, in)
	if err != nil {
		m.logger.Error("register: create user failed", "error", err)
		return newError(KindCreateFailed, err)
	}

	reg := models.NewRegistration{
		UserID:           created.ID,
		RegisteredAt:     m.now().UTC(),
		Status:           models.UserStatusActive,
		SubmissionStatus: models.SubmissionNone,
	}
	if _, err := m.data.CreateRegistration(ctx, reg); err != nil {
		m.logger.Warn("register: registration record failed", "user_id", created.ID, "error", err)
	}
	return nil
}

// Logout clears the member session and its persisted record. It is a no-op
// without a session. The in-memory session is cleared even when the store
// fails; the store error is returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.userOp.Lock()
	defer m.userOp.Unlock()

	m.mu.Lock()
	had := m.user != nil
	m.user = nil
	m.mu.Unlock()
	if had {
		m.notify()
	}
	if err := m.store.Remove(ctx, KeyUser); err != nil {
		return fmt.Errorf("remove user session: %w", err)
	}
	return nil
}

// AdminLogin signs an admin in. The credential check belongs to the data
// service.
func (m *Manager) AdminLogin(ctx context.Context, username, password string) (err error) {
	m.adminOp.Lock()
	defer m.adminOp.Unlock()
	defer m.beginLoading()()
	defer m.recoverFault(&err, KindAuthFailed, "admin login")

	admin, err := m.data.AuthenticateAdmin(ctx, strings.TrimSpace(username), password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) || errors.Is(err, storage.ErrNotFound) {
			return newError(KindInvalidCredentials, err)
		}
		m.logger.Error("admin login: authenticate failed", "error", err)
		return newError(KindAuthFailed, err)
	}

	sa := models.SessionAdminFrom(admin)
	data, err := encodeAdmin(sa)
	if err == nil {
		err = m.store.Set(ctx, KeyAdmin, data)
	}
	if err != nil {
		m.logger.Error("admin login: persist session failed", "admin_id", admin.ID, "error", err)
		return newError(KindAuthFailed, err)
	}

	m.mu.Lock()
	m.admin = &sa
	m.mu.Unlock()
	m.notify()
	return nil
}

// AdminLogout clears the admin session and its persisted record.
func (m *Manager) AdminLogout(ctx context.Context) error {
	m.adminOp.Lock()
	defer m.adminOp.Unlock()

	m.mu.Lock()
	had := m.admin != nil
	m.admin = nil
	m.mu.Unlock()
	if had {
		m.notify()
	}
	if err := m.store.Remove(ctx, KeyAdmin); err != nil {
		return fmt.Errorf("remove admin session: %w", err)
	}
	return nil
}

// Refresh reloads the signed-in member from the data service and rewrites
// the persisted record, picking up profile changes made elsewhere.
func (m *Manager) Refresh(ctx context.Context) (err error) {
	m.userOp.Lock()
	defer m.userOp.Unlock()
	defer m.recoverFault(&err, KindLoginFailed, "refresh")

	m.mu.RLock()
	current := m.user
	m.mu.RUnlock()
	if current == nil {
		return newErrorf(KindNotFound, nil, "You are not signed in.")
	}

	user, err := m.data.GetUserByEmail(ctx, current.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(KindNotFound, err)
		}
		return newError(KindLoginFailed, err)
	}
	su := models.SessionUserFrom(user)
	data, err := encodeUser(su)
	if err == nil {
		err = m.store.Set(ctx, KeyUser, data)
	}
	if err != nil {
		return newError(KindLoginFailed, err)
	}
	m.mu.Lock()
	m.user = &su
	m.mu.Unlock()
	m.notify()
	return nil
}

// User returns the signed-in member.
func (m *Manager) User() (models.SessionUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return models.SessionUser{}, false
	}
	return *m.user, true
}

// Admin returns the signed-in admin.
func (m *Manager) Admin() (models.SessionAdmin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.admin == nil {
		return models.SessionAdmin{}, false
	}
	return *m.admin, true
}

func (m *Manager) IsAuthenticated() bool {
	_, ok := m.User()
	return ok
}

func (m *Manager) IsAdminAuthenticated() bool {
	_, ok := m.Admin()
	return ok
}

// IsLoading reports whether a Login, Register or AdminLogin is in flight.
func (m *Manager) IsLoading() bool {
	return m.inFlight.Load() > 0
}

func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// State returns a snapshot of the whole session.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := State{
		IsInitialized: m.initialized,
		IsLoading:     m.inFlight.Load() > 0,
	}
	if m.user != nil {
		u := *m.user
		s.User = &u
		s.IsAuthenticated = true
	}
	if m.admin != nil {
		a := *m.admin
		s.Admin = &a
		s.IsAdminAuthenticated = true
	}
	return s
}

// Subscribe registers fn to be called with a fresh State after every
// change. fn runs synchronously on the goroutine that made the change and
// must not call Login, Register, Logout, AdminLogin or AdminLogout.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify() {
	m.listenersMu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	if len(fns) == 0 {
		return
	}
	state := m.State()
	for _, fn := range fns {
		fn(state)
	}
}

// beginLoading marks an operation in flight and returns the func that ends it.
func (m *Manager) beginLoading() func() {
	m.inFlight.Add(1)
	m.notify()
	return func() {
		m.inFlight.Add(-1)
		m.notify()
	}
}

func (m *Manager) recoverFault(err *error, kind Kind, op string) {
	if r := recover(); r != nil {
		m.logger.Error("session operation panicked", "op", op, "panic", r)
		*err = newError(kind, fmt.Errorf("panic in %s: %v", op, r))
	}
}
