package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// Headers read from the client or set by an edge proxy
const (
	HeaderDeviceFingerprint = "X-Device-Fingerprint"
	HeaderGeoCountry        = "X-Geo-Country"
	HeaderGeoCity           = "X-Geo-City"
	HeaderGeoLatitude       = "X-Geo-Latitude"
	HeaderGeoLongitude      = "X-Geo-Longitude"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, identifier, secret string, lc models.LoginContext) (*models.LoginResult, error)
	CompleteChallenge(ctx context.Context, handle, code string) (*models.ChallengeResult, error)
	CancelChallenge(ctx context.Context, handle string) error
	Refresh(ctx context.Context, refreshToken string, lc models.LoginContext) (*models.TokenPair, error)
	RevokeOwnSession(ctx context.Context, userID, sessionID string) error
	RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error)
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
}

// AuthHandler handles authentication and session HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Secret     string `json:"secret" validate:"required,max=1024"`
}

// ChallengeRequest carries the second factor for a pending challenge
type ChallengeRequest struct {
	ChallengeHandle string `json:"challenge_handle" validate:"required,max=128"`
	Code            string `json:"code" validate:"required,max=20"` // TOTP (6 digits) or backup code
}

// CancelChallengeRequest abandons a pending challenge
type CancelChallengeRequest struct {
	ChallengeHandle string `json:"challenge_handle" validate:"required,max=128"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=256"`
}

// Response DTOs

// SessionResponse is one entry of the session list
type SessionResponse struct {
	*models.Session
	Current bool `json:"current"`
}

// ListSessionsResponse represents the caller's active sessions
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// RevokeAllResponse reports how many sessions were ended
type RevokeAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// decodeRequest reads and validates a JSON body, writing a 400 or 413 on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := pkghttp.DecodeJSON(w, r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			pkghttp.WritePayloadTooLarge(w, "Request body too large")
			return false
		}
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// loginContext describes the client behind r. Geo headers are only trusted from a configured proxy.
func (h *AuthHandler) loginContext(r *http.Request) models.LoginContext {
	lc := models.LoginContext{
		IPAddress:         pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:         r.Header.Get("User-Agent"),
		DeviceFingerprint: strings.TrimSpace(r.Header.Get(HeaderDeviceFingerprint)),
	}

	if !pkghttp.FromTrustedProxy(r, h.ipConfig) {
		return lc
	}

	lc.Country = strings.TrimSpace(r.Header.Get(HeaderGeoCountry))
	lc.City = strings.TrimSpace(r.Header.Get(HeaderGeoCity))

	lat, latErr := strconv.ParseFloat(r.Header.Get(HeaderGeoLatitude), 64)
	lon, lonErr := strconv.ParseFloat(r.Header.Get(HeaderGeoLongitude), 64)
	if latErr == nil && lonErr == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
		lc.Coordinates = &models.Coordinates{Latitude: lat, Longitude: lon}
	}
	return lc
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} models.LoginResult
// @Success 202 {object} models.LoginResult "second factor required"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Authenticate(r.Context(), req.Identifier, req.Secret, h.loginContext(r))
	if err != nil {
		writeServiceError(w, h.logger, "login", err)
		return
	}

	switch result.Status {
	case models.LoginStatusAuthenticated:
		pkghttp.WriteJSON(w, http.StatusOK, result)
	case models.LoginStatusChallenge:
		pkghttp.WriteJSON(w, http.StatusAccepted, result)
	default:
		// Risk details stay server-side
		pkghttp.WriteError(w, http.StatusForbidden, "login_blocked", "Login blocked")
	}
}

// CompleteChallenge redeems a pending challenge with a TOTP or backup code
// @Summary Complete a second-factor challenge
// @Accept json
// @Param request body ChallengeRequest true "Challenge request"
// @Produce json
// @Success 200 {object} models.ChallengeResult
// @Failure 401 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /auth/challenge [post]
func (h *AuthHandler) CompleteChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.CompleteChallenge(r.Context(), req.ChallengeHandle, req.Code)
	if err != nil {
		writeServiceError(w, h.logger, "complete challenge", err)
		return
	}
	if err := result.Err(); err != nil {
		writeServiceError(w, h.logger, "complete challenge", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// CancelChallenge discards a pending challenge
// @Router /auth/challenge/cancel [post]
func (h *AuthHandler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	var req CancelChallengeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.CancelChallenge(r.Context(), req.ChallengeHandle); err != nil {
		writeServiceError(w, h.logger, "cancel challenge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh rotates a refresh token
// @Summary Refresh tokens
// @Accept json
// @Param request body RefreshTokenRequest true "Refresh request"
// @Produce json
// @Success 200 {object} models.TokenPair
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, h.loginContext(r))
	if err != nil {
		writeServiceError(w, h.logger, "refresh", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, pair)
}

// Logout ends the session the access token is bound to
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.service.RevokeOwnSession(r.Context(), identity.UserID, identity.SessionID); err != nil {
		writeServiceError(w, h.logger, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll ends every active session of the caller
// @Router /sessions/revoke-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	n, err := h.service.RevokeAllSessions(r.Context(), identity.UserID, models.RevokeReasonLogoutAll)
	if err != nil {
		writeServiceError(w, h.logger, "logout all", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevokeAllResponse{Revoked: n})
}
