package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminServiceInterface defines operator actions on accounts and the IP blocklist
type AdminServiceInterface interface {
	CreateUser(ctx context.Context, nu services.NewUser) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	DisableUser(ctx context.Context, id string) (int64, error)
	EnableUser(ctx context.Context, id string) error
	BlockIP(ctx context.Context, ips ...string) error
	UnblockIP(ctx context.Context, ips ...string) error
}

// SessionRevoker ends every session of an identity
type SessionRevoker interface {
	RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error)
}

// AdminHandler handles admin-only requests
type AdminHandler struct {
	service  AdminServiceInterface
	sessions SessionRevoker
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AdminServiceInterface, sessions SessionRevoker, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		sessions: sessions,
		logger:   logger,
	}
}

// Request/Response DTOs

// CreateUserRequest represents the request body for creating a user
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin"`
	TenantID string `json:"tenant_id" validate:"omitempty,max=255"`
}

// BlockIPRequest lists addresses to add to or remove from the blocklist
type BlockIPRequest struct {
	IPs []string `json:"ips" validate:"required,min=1,max=100,dive,ip"`
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id,omitempty"`
	Status      string `json:"status"`
	LockedUntil string `json:"locked_until,omitempty"`
	LastLoginAt string `json:"last_login_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// userModelToResponse converts a user model to a response DTO
func userModelToResponse(user *models.User) *UserResponse {
	resp := &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		TenantID:  user.TenantID,
		Status:    user.Status,
		CreatedAt: user.CreatedAt.Format(timeLayout),
	}
	if user.LockedUntil != nil {
		resp.LockedUntil = user.LockedUntil.Format(timeLayout)
	}
	if user.LastLoginAt != nil {
		resp.LastLoginAt = user.LastLoginAt.Format(timeLayout)
	}
	return resp
}

// CreateUser provisions a credential record
//
// @Summary Create a user
// @Accept json
// @Param request body CreateUserRequest true "Create user request"
// @Produce json
// @Success 201 {object} UserResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/users [post]
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	user, err := h.service.CreateUser(r.Context(), services.NewUser{
		Email:    req.Email,
		Password: req.Password,
		Name:     strings.TrimSpace(req.Name),
		Role:     req.Role,
		TenantID: req.TenantID,
	})
	if err != nil {
		writeServiceError(w, h.logger, "create user", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, userModelToResponse(user))
}

// GetUser returns one account, including its lock state
//
// @Summary Get user by ID
// @Param id path string true "User ID"
// @Produce json
// @Success 200 {object} UserResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{id} [get]
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "get user", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, userModelToResponse(user))
}

// DisableUser blocks an account and ends its sessions
// @Router /admin/users/{id}/disable [post]
func (h *AdminHandler) DisableUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	// Operators cannot lock themselves out
	if identity := auth.GetIdentityFromContext(r); identity != nil && identity.UserID == userID {
		pkghttp.WriteBadRequest(w, "Cannot disable your own account")
		return
	}

	n, err := h.service.DisableUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "disable user", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevokeAllResponse{Revoked: n})
}

// EnableUser re-activates an account
// @Router /admin/users/{id}/enable [post]
func (h *AdminHandler) EnableUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.EnableUser(r.Context(), userID); err != nil {
		writeServiceError(w, h.logger, "enable user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeUserSessions ends every session of an account
// @Router /admin/users/{id}/revoke-sessions [post]
func (h *AdminHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	n, err := h.sessions.RevokeAllSessions(r.Context(), userID, models.RevokeReasonAdmin)
	if err != nil {
		writeServiceError(w, h.logger, "revoke user sessions", err)
		return
	}

	if identity := auth.GetIdentityFromContext(r); identity != nil {
		h.logger.Warn("sessions revoked by admin",
			slog.String("admin_id", identity.UserID),
			slog.String("user_id", userID),
			slog.Int64("count", n))
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevokeAllResponse{Revoked: n})
}

// BlockIP adds addresses to the blocklist
// @Router /admin/blocked-ips [post]
func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.BlockIP(r.Context(), req.IPs...); err != nil {
		writeServiceError(w, h.logger, "block ip", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnblockIP removes addresses from the blocklist
// @Router /admin/blocked-ips [delete]
func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.UnblockIP(r.Context(), req.IPs...); err != nil {
		writeServiceError(w, h.logger, "unblock ip", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "id")
	if err := ValidateID(userID); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid user ID")
		return "", false
	}
	return userID, true
}
