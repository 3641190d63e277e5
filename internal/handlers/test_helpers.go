package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithIdentity adds a verified identity to request context for testing authenticated endpoints
func WithIdentity(req *http.Request, userID, sessionID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &models.Identity{
		UserID:    userID,
		Role:      "user",
		SessionID: sessionID,
	}))
}

// WithAdminIdentity adds an admin identity to request context
func WithAdminIdentity(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &models.Identity{
		UserID:    userID,
		Role:      "admin",
		SessionID: "admin-session",
	}))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// WithChiRouteContext sets chi URL parameters on a request
//
// Example usage:
//
//	req := httptest.NewRequest("DELETE", "/sessions/abc", nil)
//	req = WithChiRouteContext(req, map[string]string{
//	    "id": "abc",
//	})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// MockAuthService implements AuthServiceInterface and MFAServiceInterface for testing
type MockAuthService struct {
	AuthenticateFunc          func(ctx context.Context, identifier, secret string, lc models.LoginContext) (*models.LoginResult, error)
	CompleteChallengeFunc     func(ctx context.Context, handle, code string) (*models.ChallengeResult, error)
	CancelChallengeFunc       func(ctx context.Context, handle string) error
	RefreshFunc               func(ctx context.Context, refreshToken string, lc models.LoginContext) (*models.TokenPair, error)
	RevokeOwnSessionFunc      func(ctx context.Context, userID, sessionID string) error
	RevokeAllSessionsFunc     func(ctx context.Context, userID, reason string) (int64, error)
	ListSessionsFunc          func(ctx context.Context, userID string) ([]*models.Session, error)
	EnrollMFAFunc             func(ctx context.Context, userID string) (*models.MFASetup, error)
	ConfirmMFAFunc            func(ctx context.Context, userID, code string) error
	DisableMFAFunc            func(ctx context.Context, userID, code string) error
	RegenerateBackupCodesFunc func(ctx context.Context, userID string) ([]string, error)
	MFAStatusFunc             func(ctx context.Context, userID string) (*models.MFAStatus, error)
}

func (m *MockAuthService) Authenticate(ctx context.Context, identifier, secret string, lc models.LoginContext) (*models.LoginResult, error) {
	if m.AuthenticateFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.AuthenticateFunc(ctx, identifier, secret, lc)
}

func (m *MockAuthService) CompleteChallenge(ctx context.Context, handle, code string) (*models.ChallengeResult, error) {
	if m.CompleteChallengeFunc == nil {
		return &models.ChallengeResult{Status: models.LoginStatusExpired}, nil
	}
	return m.CompleteChallengeFunc(ctx, handle, code)
}

func (m *MockAuthService) CancelChallenge(ctx context.Context, handle string) error {
	if m.CancelChallengeFunc == nil {
		return nil
	}
	return m.CancelChallengeFunc(ctx, handle)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string, lc models.LoginContext) (*models.TokenPair, error) {
	if m.RefreshFunc == nil {
		return nil, models.ErrInvalidToken
	}
	return m.RefreshFunc(ctx, refreshToken, lc)
}

func (m *MockAuthService) RevokeOwnSession(ctx context.Context, userID, sessionID string) error {
	if m.RevokeOwnSessionFunc == nil {
		return nil
	}
	return m.RevokeOwnSessionFunc(ctx, userID, sessionID)
}

func (m *MockAuthService) RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error) {
	if m.RevokeAllSessionsFunc == nil {
		return 0, nil
	}
	return m.RevokeAllSessionsFunc(ctx, userID, reason)
}

func (m *MockAuthService) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	if m.ListSessionsFunc == nil {
		return nil, nil
	}
	return m.ListSessionsFunc(ctx, userID)
}

func (m *MockAuthService) EnrollMFA(ctx context.Context, userID string) (*models.MFASetup, error) {
	if m.EnrollMFAFunc == nil {
		return nil, models.ErrMFAAlreadyEnabled
	}
	return m.EnrollMFAFunc(ctx, userID)
}

func (m *MockAuthService) ConfirmMFA(ctx context.Context, userID, code string) error {
	if m.ConfirmMFAFunc == nil {
		return nil
	}
	return m.ConfirmMFAFunc(ctx, userID, code)
}

func (m *MockAuthService) DisableMFA(ctx context.Context, userID, code string) error {
	if m.DisableMFAFunc == nil {
		return nil
	}
	return m.DisableMFAFunc(ctx, userID, code)
}

func (m *MockAuthService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if m.RegenerateBackupCodesFunc == nil {
		return nil, models.ErrMFANotEnrolled
	}
	return m.RegenerateBackupCodesFunc(ctx, userID)
}

func (m *MockAuthService) MFAStatus(ctx context.Context, userID string) (*models.MFAStatus, error) {
	if m.MFAStatusFunc == nil {
		return &models.MFAStatus{}, nil
	}
	return m.MFAStatusFunc(ctx, userID)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	CreateUserFunc  func(ctx context.Context, nu services.NewUser) (*models.User, error)
	GetUserFunc     func(ctx context.Context, id string) (*models.User, error)
	DisableUserFunc func(ctx context.Context, id string) (int64, error)
	EnableUserFunc  func(ctx context.Context, id string) error
	BlockIPFunc     func(ctx context.Context, ips ...string) error
	UnblockIPFunc   func(ctx context.Context, ips ...string) error
}

func (m *MockAdminService) CreateUser(ctx context.Context, nu services.NewUser) (*models.User, error) {
	if m.CreateUserFunc == nil {
		return nil, models.ErrConflict
	}
	return m.CreateUserFunc(ctx, nu)
}

func (m *MockAdminService) GetUser(ctx context.Context, id string) (*models.User, error) {
	if m.GetUserFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetUserFunc(ctx, id)
}

func (m *MockAdminService) DisableUser(ctx context.Context, id string) (int64, error) {
	if m.DisableUserFunc == nil {
		return 0, nil
	}
	return m.DisableUserFunc(ctx, id)
}

func (m *MockAdminService) EnableUser(ctx context.Context, id string) error {
	if m.EnableUserFunc == nil {
		return nil
	}
	return m.EnableUserFunc(ctx, id)
}

func (m *MockAdminService) BlockIP(ctx context.Context, ips ...string) error {
	if m.BlockIPFunc == nil {
		return nil
	}
	return m.BlockIPFunc(ctx, ips...)
}

func (m *MockAdminService) UnblockIP(ctx context.Context, ips ...string) error {
	if m.UnblockIPFunc == nil {
		return nil
	}
	return m.UnblockIPFunc(ctx, ips...)
}

// MockEventReader implements SecurityEventReader for testing
type MockEventReader struct {
	RecentFunc func(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

func (m *MockEventReader) Recent(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	if m.RecentFunc == nil {
		return nil, nil
	}
	return m.RecentFunc(ctx, userID, limit)
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}
