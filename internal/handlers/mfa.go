package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// MFAServiceInterface covers second-factor enrollment
type MFAServiceInterface interface {
	EnrollMFA(ctx context.Context, userID string) (*models.MFASetup, error)
	ConfirmMFA(ctx context.Context, userID, code string) error
	DisableMFA(ctx context.Context, userID, code string) error
	RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error)
	MFAStatus(ctx context.Context, userID string) (*models.MFAStatus, error)
}

// MFAHandler handles MFA-related HTTP requests
type MFAHandler struct {
	service MFAServiceInterface
	logger  *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(service MFAServiceInterface, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		service: service,
		logger:  logger,
	}
}

// Setup handles POST /mfa/setup to begin enrollment
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	setup, err := h.service.EnrollMFA(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, h.logger, "mfa setup", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, MFASetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		QRCode:          setup.QRCode,
		BackupCodes:     setup.BackupCodes,
	})
}

// Confirm handles POST /mfa/confirm to activate the pending secret
func (h *MFAHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.ConfirmMFA(r.Context(), identity.UserID, req.Code); err != nil {
		writeServiceError(w, h.logger, "mfa confirm", err)
		return
	}

	h.logger.Info("mfa enabled", slog.String("user_id", identity.UserID))
	pkghttp.WriteJSON(w, http.StatusOK, MFAStateResponse{MFAEnabled: true, Message: "MFA enabled"})
}

// Disable handles POST /mfa/disable
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req DisableMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.DisableMFA(r.Context(), identity.UserID, req.Code); err != nil {
		writeServiceError(w, h.logger, "mfa disable", err)
		return
	}

	h.logger.Info("mfa disabled", slog.String("user_id", identity.UserID))
	pkghttp.WriteJSON(w, http.StatusOK, MFAStateResponse{MFAEnabled: false, Message: "MFA disabled"})
}

// RegenerateBackupCodes handles POST /mfa/backup-codes
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, h.logger, "regenerate backup codes", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// Status handles GET /mfa/status
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	status, err := h.service.MFAStatus(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, h.logger, "mfa status", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, status)
}
