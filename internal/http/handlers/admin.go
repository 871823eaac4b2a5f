package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/http/respond"
	"github.com/ecell-club/membership/internal/middleware"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/models/dto"
	"github.com/ecell-club/membership/internal/storage"
)

// AdminHandler owns admin authentication and the dashboard endpoints.
type AdminHandler struct {
	store  storage.Store
	tokens *auth.TokenManager
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(store storage.Store, tokens *auth.TokenManager) *AdminHandler {
	return &AdminHandler{store: store, tokens: tokens}
}

// Register attaches admin routes to the mux. Dashboard routes require a
// bearer token issued by /admin/authenticate.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/authenticate", h.handleAuthenticate)

	requireAdmin := middleware.RequireAdmin(h.tokens)
	mux.Handle("GET /admin/users", requireAdmin(http.HandlerFunc(h.handleListUsers)))
	mux.Handle("GET /admin/registrations", requireAdmin(http.HandlerFunc(h.handleListRegistrations)))
	mux.Handle("PATCH /admin/users/{id}/status", requireAdmin(http.HandlerFunc(h.handleSetStatus)))
}

func (h *AdminHandler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req dto.AdminAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		respond.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}
	admin, err := h.store.AuthenticateAdmin(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		writeStoreError(w, "authenticate admin", err)
		return
	}
	token, err := h.tokens.Generate(admin)
	if err != nil {
		log.Printf("generate admin token: %v", err)
		respond.Error(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respond.JSON(w, http.StatusOK, "login successful", dto.AdminAuthResponse{Token: token, Admin: admin})
}

func (h *AdminHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	filter := models.UserFilter{Status: models.UserStatus(strings.TrimSpace(r.URL.Query().Get("status")))}
	if filter.Status != "" && !filter.Status.Valid() {
		respond.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	users, err := h.store.ListUsers(r.Context(), filter)
	if err != nil {
		writeStoreError(w, "list users", err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	respond.JSON(w, http.StatusOK, "ok", users)
}

func (h *AdminHandler) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.store.ListRegistrations(r.Context())
	if err != nil {
		writeStoreError(w, "list registrations", err)
		return
	}
	if regs == nil {
		regs = []models.Registration{}
	}
	respond.JSON(w, http.StatusOK, "ok", regs)
}

func (h *AdminHandler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req dto.StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !req.Status.Valid() {
		respond.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	updated, err := h.store.UpdateUser(r.Context(), r.PathValue("id"), models.UserUpdate{Status: &req.Status})
	if err != nil {
		writeStoreError(w, "update status", err)
		return
	}
	actor := "unknown"
	if claims, ok := middleware.AdminFromContext(r.Context()); ok {
		actor = claims.Username
	}
	log.Printf("admin %s set user %s status to %s", actor, updated.ID, updated.Status)
	respond.JSON(w, http.StatusOK, "status updated", updated)
}
