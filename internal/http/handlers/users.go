package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ecell-club/membership/internal/http/respond"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/models/dto"
	"github.com/ecell-club/membership/internal/storage"
)

// UserHandler exposes member records and registrations to session clients.
type UserHandler struct {
	store storage.Store
}

// NewUserHandler constructs the handler.
func NewUserHandler(store storage.Store) *UserHandler {
	return &UserHandler{store: store}
}

// Register attaches member routes to the mux.
func (h *UserHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /users", h.handleLookup)
	mux.HandleFunc("POST /users", h.handleCreate)
	mux.HandleFunc("PATCH /users/{id}", h.handleUpdate)
	mux.HandleFunc("POST /users/{id}/verify-password", h.handleVerifyPassword)
	mux.HandleFunc("POST /registrations", h.handleCreateRegistration)
}

func (h *UserHandler) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	roll := strings.TrimSpace(q.Get("roll_number"))

	var (
		user models.User
		err  error
	)
	switch {
	case email != "" && roll == "":
		user, err = h.store.GetUserByEmail(r.Context(), email)
	case roll != "" && email == "":
		user, err = h.store.GetUserByRollNumber(r.Context(), roll)
	default:
		respond.Error(w, http.StatusBadRequest, "exactly one of email or roll_number is required")
		return
	}
	if err != nil {
		writeStoreError(w, "lookup user", err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", user)
}

func (h *UserHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.NewUser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := h.store.CreateUser(r.Context(), req)
	if err != nil {
		writeStoreError(w, "create user", err)
		return
	}
	respond.JSON(w, http.StatusCreated, "user created", created)
}

func (h *UserHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var upd models.UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	// Status is an admin decision; see PATCH /admin/users/{id}/status.
	if upd.Status != nil {
		respond.Error(w, http.StatusBadRequest, "status can only be changed by an admin")
		return
	}
	updated, err := h.store.UpdateUser(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		writeStoreError(w, "update user", err)
		return
	}
	respond.JSON(w, http.StatusOK, "user updated", updated)
}

func (h *UserHandler) handleVerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.store.VerifyUserPassword(r.Context(), r.PathValue("id"), req.Password); err != nil {
		writeStoreError(w, "verify password", err)
		return
	}
	respond.JSON(w, http.StatusOK, "password verified", nil)
}

func (h *UserHandler) handleCreateRegistration(w http.ResponseWriter, r *http.Request) {
	var req models.NewRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respond.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Status == "" {
		req.Status = models.UserStatusActive
	}
	if req.SubmissionStatus == "" {
		req.SubmissionStatus = models.SubmissionNone
	}
	if !req.Status.Valid() {
		respond.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	if !req.SubmissionStatus.Valid() {
		respond.Error(w, http.StatusBadRequest, "unknown submission_status")
		return
	}
	reg, err := h.store.CreateRegistration(r.Context(), req)
	if err != nil {
		writeStoreError(w, "create registration", err)
		return
	}
	respond.JSON(w, http.StatusCreated, "registration created", reg)
}

// writeStoreError maps storage sentinels to status codes and logs the rest.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		respond.Error(w, http.StatusConflict, "already exists")
	case errors.Is(err, storage.ErrInvalidCredentials):
		respond.Error(w, http.StatusUnauthorized, "invalid credentials")
	default:
		log.Printf("%s error: %v", op, err)
		respond.Error(w, http.StatusInternalServerError, "failed to "+op)
	}
}
