package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityEvents_ListOwn(t *testing.T) {
	var gotUser string
	var gotLimit int
	reader := &handlers.MockEventReader{
		RecentFunc: func(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
			gotUser, gotLimit = userID, limit
			return []*models.SecurityEvent{{ID: "e1", UserID: userID, Kind: models.EventLoginSuccess}}, nil
		},
	}
	h := handlers.NewSecurityEventHandler(reader, discardLogger())

	req := handlers.WithIdentity(httptest.NewRequest("GET", "/security/events", nil), testUserID, testSessionID)
	w := httptest.NewRecorder()
	h.ListOwn(w, req)

	var resp handlers.SecurityEventsResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, models.EventLoginSuccess, resp.Events[0].Kind)
	assert.Equal(t, testUserID, gotUser)
	assert.Equal(t, 20, gotLimit)
}

func TestSecurityEvents_Limit(t *testing.T) {
	reader := &handlers.MockEventReader{}
	h := handlers.NewSecurityEventHandler(reader, discardLogger())

	tests := []struct {
		query      string
		wantStatus int
	}{
		{"?limit=1", http.StatusOK},
		{"?limit=100", http.StatusOK},
		{"?limit=0", http.StatusBadRequest},
		{"?limit=101", http.StatusBadRequest},
		{"?limit=ten", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := handlers.WithIdentity(httptest.NewRequest("GET", "/security/events"+tt.query, nil), testUserID, testSessionID)
			w := httptest.NewRecorder()
			h.ListOwn(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSecurityEvents_EmptyListIsArray(t *testing.T) {
	h := handlers.NewSecurityEventHandler(&handlers.MockEventReader{}, discardLogger())

	req := handlers.WithIdentity(httptest.NewRequest("GET", "/security/events", nil), testUserID, testSessionID)
	w := httptest.NewRecorder()
	h.ListOwn(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)
}

func TestSecurityEvents_ListForUser(t *testing.T) {
	reader := &handlers.MockEventReader{
		RecentFunc: func(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
			return nil, models.Infra("list security events", errors.New("timeout"))
		},
	}
	h := handlers.NewSecurityEventHandler(reader, discardLogger())

	req := handlers.WithChiRouteContext(handlers.WithAdminIdentity(httptest.NewRequest("GET", "/admin/users/x/security-events", nil), adminID),
		map[string]string{"id": testUserID})
	w := httptest.NewRecorder()
	h.ListForUser(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "service_unavailable")
}

func TestHealth(t *testing.T) {
	ok := handlers.HealthCheckFunc(func(ctx context.Context) error { return nil })
	down := handlers.HealthCheckFunc(func(ctx context.Context) error { return errors.New("dial tcp: refused") })

	w := httptest.NewRecorder()
	handlers.NewHealthHandler(map[string]handlers.HealthChecker{"database": ok, "redis": ok}, 0, discardLogger()).
		Health(w, httptest.NewRequest("GET", "/health", nil))
	var resp handlers.HealthResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "ok", resp.Status)

	w = httptest.NewRecorder()
	handlers.NewHealthHandler(map[string]handlers.HealthChecker{"database": ok, "redis": down}, 0, discardLogger()).
		Health(w, httptest.NewRequest("GET", "/health", nil))
	handlers.AssertJSONResponse(t, w, http.StatusServiceUnavailable, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Checks["redis"])
	assert.NotContains(t, w.Body.String(), "refused")
}
