package routes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

type stubVerifier struct {
	identities map[string]*models.Identity
	revoked    map[string]bool
	storeDown  bool
}

func (v *stubVerifier) ValidateAccessToken(token string) (*models.Identity, error) {
	if id, ok := v.identities[token]; ok {
		return id, nil
	}
	return nil, models.ErrInvalidToken
}

func (v *stubVerifier) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	if v.storeDown {
		return false, errors.New("connection refused")
	}
	return !v.revoked[sessionID], nil
}

func newRouter(t *testing.T, verifier *stubVerifier) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := &handlers.MockAuthService{
		ListSessionsFunc: func(ctx context.Context, userID string) ([]*models.Session, error) {
			return []*models.Session{}, nil
		},
	}

	router := chi.NewRouter()
	RegisterRoutes(router, Handlers{
		Auth:           handlers.NewAuthHandler(svc, nil, logger),
		MFA:            handlers.NewMFAHandler(svc, logger),
		Admin:          handlers.NewAdminHandler(&handlers.MockAdminService{}, svc, logger),
		SecurityEvents: handlers.NewSecurityEventHandler(&handlers.MockEventReader{}, logger),
		Health:         handlers.NewHealthHandler(map[string]handlers.HealthChecker{}, 0, logger),
	}, verifier, nil, Limits{AuthPerMinute: 100, APIPerMinute: 100}, logger)
	return router
}

func defaultVerifier() *stubVerifier {
	return &stubVerifier{
		identities: map[string]*models.Identity{
			"user-token":    {UserID: "u1", Role: "user", SessionID: "s1"},
			"admin-token":   {UserID: "a1", Role: "admin", SessionID: "s2"},
			"revoked-token": {UserID: "u1", Role: "user", SessionID: "s3"},
		},
		revoked: map[string]bool{"s3": true},
	}
}

func TestRoutes_Access(t *testing.T) {
	router := newRouter(t, defaultVerifier())

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health is public", "GET", "/health", "", http.StatusOK},
		{"login is public", "POST", "/auth/login", "", http.StatusBadRequest},
		{"sessions need a token", "GET", "/sessions", "", http.StatusUnauthorized},
		{"sessions with token", "GET", "/sessions", "user-token", http.StatusOK},
		{"garbage token", "GET", "/sessions", "nope", http.StatusUnauthorized},
		{"revoked session", "GET", "/sessions", "revoked-token", http.StatusUnauthorized},
		{"admin route as user", "GET", "/admin/users/7f1c2a4e-9b0d-4e55-8a61-3c2f0d9e8b17", "user-token", http.StatusForbidden},
		{"admin route as admin", "GET", "/admin/users/7f1c2a4e-9b0d-4e55-8a61-3c2f0d9e8b17", "admin-token", http.StatusNotFound},
		{"security events", "GET", "/security/events", "user-token", http.StatusOK},
		{"unknown route", "GET", "/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.method == "POST" {
				body = strings.NewReader(`{}`)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRoutes_SessionCheckFailsClosed(t *testing.T) {
	verifier := defaultVerifier()
	verifier.storeDown = true
	router := newRouter(t, verifier)

	req := httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
