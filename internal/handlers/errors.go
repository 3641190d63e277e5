package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// writeServiceError maps a core error onto an HTTP response. Messages stay generic:
// nothing here distinguishes an unknown identity from a wrong secret.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var validationErr *models.ValidationError
	var lockedErr *models.AccountLockedError

	switch {
	case errors.As(err, &validationErr):
		pkghttp.WriteBadRequest(w, validationErr.Error())
	case errors.As(err, &lockedErr):
		pkghttp.WriteLocked(w, lockedErr.Until)
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrInvalidToken), errors.Is(err, models.ErrReplayDetected):
		pkghttp.WriteUnauthorized(w, "Invalid or expired token")
	case errors.Is(err, models.ErrBlocked):
		pkghttp.WriteForbidden(w, "Login blocked")
	case errors.Is(err, models.ErrChallengeInvalid):
		pkghttp.WriteError(w, http.StatusUnauthorized, "challenge_invalid", "Invalid verification code")
	case errors.Is(err, models.ErrChallengeExpired):
		pkghttp.WriteError(w, http.StatusGone, "challenge_expired", "Challenge expired or already used")
	case errors.Is(err, models.ErrTooManySessions):
		pkghttp.WriteError(w, http.StatusConflict, "too_many_sessions", "Too many active sessions")
	case errors.Is(err, models.ErrMFAAlreadyEnabled):
		pkghttp.WriteConflict(w, "MFA is already enabled")
	case errors.Is(err, models.ErrMFANotEnrolled):
		pkghttp.WriteError(w, http.StatusConflict, "mfa_not_enabled", "MFA is not enabled")
	case errors.Is(err, models.ErrMFASetupMissing):
		pkghttp.WriteError(w, http.StatusConflict, "mfa_setup_missing", "No pending MFA setup")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource already exists")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Not found")
	case errors.Is(err, models.ErrInfrastructure):
		logger.Error(op+" failed", slog.String("error", err.Error()))
		pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
	default:
		logger.Error(op+" failed", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
