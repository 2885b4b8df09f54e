package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shiplane/shiplane/internal/api/middleware"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// UserHandler handles user management requests.
type UserHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(st store.Store, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		store:  st,
		logger: logger,
	}
}

// Me handles GET /v1/users/me - returns the authenticated user.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// List handles GET /v1/users - lists all users. Admin only.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.Users().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list users", "error", err)
		WriteInternalError(w, "Failed to list users")
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	WriteJSON(w, http.StatusOK, users)
}

// UpdateRoleRequest is the request body for changing a user's role.
type UpdateRoleRequest struct {
	Role models.Role `json:"role"`
}

// UpdateRole handles PATCH /v1/users/{userID}/role. Admin only. An admin
// cannot demote themselves, so the system always keeps one administrator.
func (h *UserHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		WriteBadRequest(w, "User ID is required")
		return
	}

	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if !req.Role.Valid() {
		WriteBadRequest(w, "Unknown role")
		return
	}

	caller := middleware.GetUser(r.Context())
	if caller != nil && caller.ID == userID && req.Role != models.RoleAdmin {
		WriteConflict(w, "Cannot demote your own admin role")
		return
	}

	if err := h.store.Users().UpdateRole(r.Context(), userID, req.Role); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "User not found")
			return
		}
		h.logger.Error("failed to update role", "error", err, "user_id", userID)
		WriteInternalError(w, "Failed to update role")
		return
	}

	h.logger.Info("user role updated", "user_id", userID, "role", req.Role)
	w.WriteHeader(http.StatusNoContent)
}
