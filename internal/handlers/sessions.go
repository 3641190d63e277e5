package handlers

import (
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// ListSessions returns the caller's active sessions, most recently used first
// @Summary List sessions
// @Produce json
// @Success 200 {object} ListSessionsResponse
// @Router /sessions [get]
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, h.logger, "list sessions", err)
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionResponse{
			Session: s,
			Current: s.ID == identity.SessionID,
		})
	}
	resp.Total = len(resp.Sessions)

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// RevokeSession ends one of the caller's sessions. Sessions of other identities are reported missing.
// @Summary Revoke a session
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id} [delete]
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if err := ValidateID(sessionID); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid session ID")
		return
	}

	if err := h.service.RevokeOwnSession(r.Context(), identity.UserID, sessionID); err != nil {
		writeServiceError(w, h.logger, "revoke session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
