package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 100
)

// SecurityEventReader reads an identity's recorded security events
type SecurityEventReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// SecurityEventHandler exposes recorded security events
type SecurityEventHandler struct {
	events SecurityEventReader
	logger *slog.Logger
}

// NewSecurityEventHandler creates a new SecurityEventHandler
func NewSecurityEventHandler(events SecurityEventReader, logger *slog.Logger) *SecurityEventHandler {
	return &SecurityEventHandler{events: events, logger: logger}
}

// SecurityEventsResponse is a page of events, newest first
type SecurityEventsResponse struct {
	Events []*models.SecurityEvent `json:"events"`
	Total  int                     `json:"total"`
}

// ListOwn handles GET /security/events for the caller
func (h *SecurityEventHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentityFromContext(r)
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}
	h.list(w, r, identity.UserID)
}

// ListForUser handles GET /admin/users/{id}/security-events
func (h *SecurityEventHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	h.list(w, r, userID)
}

func (h *SecurityEventHandler) list(w http.ResponseWriter, r *http.Request, userID string) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "limit must be between 1 and 100")
		return
	}

	events, err := h.events.Recent(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, h.logger, "list security events", err)
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, SecurityEventsResponse{Events: events, Total: len(events)})
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return defaultEventLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if err := validate.Var(limit, "gte=1,lte="+strconv.Itoa(maxEventLimit)); err != nil {
		return 0, err
	}
	return limit, nil
}
