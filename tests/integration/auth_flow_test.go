package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

func newServer(t *testing.T) (*TestServer, *models.User) {
	t.Helper()
	db := requireDB(t)

	ts, err := NewTestServer(db.DB, TestConfig())
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	user, err := ts.Users.CreateUser(context.Background(), services.NewUser{
		Email:    TestEmail("flow"),
		Password: TestPassword,
		Name:     "Flow",
		Role:     "user",
	})
	require.NoError(t, err)
	return ts, user
}

func login(t *testing.T, ts *TestServer, email, password, fingerprint string) (*http.Response, *models.LoginResult) {
	t.Helper()
	headers := map[string]string{}
	if fingerprint != "" {
		headers[handlers.HeaderDeviceFingerprint] = fingerprint
	}
	resp, err := ts.Request(http.MethodPost, "/auth/login", handlers.LoginRequest{Identifier: email, Secret: password}, headers)
	require.NoError(t, err)
	if resp.StatusCode >= 300 {
		return resp, nil
	}
	var result models.LoginResult
	require.NoError(t, ParseJSONResponse(resp, &result))
	return resp, &result
}

func TestHealth(t *testing.T) {
	ts, _ := newServer(t)

	resp, err := ts.Request(http.MethodGet, "/health", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthFlow_LoginRefreshReplay(t *testing.T) {
	ts, user := newServer(t)

	resp, _ := login(t, ts, user.Email, "wrong-password", "")
	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", code)

	resp, result := login(t, ts, user.Email, TestPassword, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.LoginStatusAuthenticated, result.Status)
	require.NotNil(t, result.Tokens)
	first := result.Tokens

	// session listing marks the caller's own session
	resp, err = ts.RequestWithAuth(http.MethodGet, "/sessions", first.AccessToken, nil)
	require.NoError(t, err)
	var listed handlers.ListSessionsResponse
	require.NoError(t, ParseJSONResponse(resp, &listed))
	require.Equal(t, 1, listed.Total)
	assert.True(t, listed.Sessions[0].Current)
	assert.Equal(t, first.SessionID, listed.Sessions[0].ID)

	// rotate
	resp, err = ts.Request(http.MethodPost, "/auth/refresh", handlers.RefreshTokenRequest{RefreshToken: first.RefreshToken}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second models.TokenPair
	require.NoError(t, ParseJSONResponse(resp, &second))
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// presenting the consumed refresh token revokes the whole session
	resp, err = ts.Request(http.MethodPost, "/auth/refresh", handlers.RefreshTokenRequest{RefreshToken: first.RefreshToken}, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = ts.RequestWithAuth(http.MethodGet, "/sessions", second.AccessToken, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	session, err := ts.Repos.Sessions.GetByID(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRevoked, session.Status)
	require.NotNil(t, session.RevokedReason)
	assert.Equal(t, models.RevokeReasonReplay, *session.RevokedReason)
}

func TestAuthFlow_SecondFactorChallenge(t *testing.T) {
	ts, user := newServer(t)

	resp, result := login(t, ts, user.Email, TestPassword, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := result.Tokens.AccessToken

	// enroll
	resp, err := ts.RequestWithAuth(http.MethodPost, "/mfa/setup", access, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setup handlers.MFASetupResponse
	require.NoError(t, ParseJSONResponse(resp, &setup))
	require.NotEmpty(t, setup.Secret)
	require.Len(t, setup.BackupCodes, ts.Config.MFA.BackupCodeCount)

	totpCode, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	resp, err = ts.RequestWithAuth(http.MethodPost, "/mfa/confirm", access, handlers.ConfirmMFARequest{Code: totpCode})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// an unknown device now needs the second factor
	resp, result = login(t, ts, user.Email, TestPassword, "new-laptop")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, models.LoginStatusChallenge, result.Status)
	require.NotEmpty(t, result.ChallengeHandle)
	assert.Nil(t, result.Tokens)

	resp, err = ts.Request(http.MethodPost, "/auth/challenge", handlers.ChallengeRequest{
		ChallengeHandle: result.ChallengeHandle,
		Code:            setup.BackupCodes[0],
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var completed models.ChallengeResult
	require.NoError(t, ParseJSONResponse(resp, &completed))
	assert.Equal(t, models.LoginStatusAuthenticated, completed.Status)
	require.NotNil(t, completed.Tokens)
	require.NotNil(t, completed.RemainingBackupCodes)
	assert.Equal(t, ts.Config.MFA.BackupCodeCount-1, *completed.RemainingBackupCodes)

	// the handle is single use
	resp, err = ts.Request(http.MethodPost, "/auth/challenge", handlers.ChallengeRequest{
		ChallengeHandle: result.ChallengeHandle,
		Code:            setup.BackupCodes[1],
	}, nil)
	require.NoError(t, err)
	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "challenge_expired", code)

	// the security event trail reaches the database asynchronously
	assert.Eventually(t, func() bool {
		events, err := ts.Repos.Events.ListByUser(context.Background(), user.ID, 50)
		if err != nil {
			return false
		}
		kinds := make(map[string]bool)
		for _, e := range events {
			kinds[e.Kind] = true
		}
		return kinds[models.EventMFAEnabled] && kinds[models.EventChallengeIssued] && kinds[models.EventBackupCodeUsed]
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAuthFlow_LogoutEndsSession(t *testing.T) {
	ts, user := newServer(t)

	_, result := login(t, ts, user.Email, TestPassword, "")
	require.NotNil(t, result)
	access := result.Tokens.AccessToken

	resp, err := ts.RequestWithAuth(http.MethodPost, "/auth/logout", access, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = ts.RequestWithAuth(http.MethodGet, "/sessions", access, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = ts.Request(http.MethodPost, "/auth/refresh", handlers.RefreshTokenRequest{RefreshToken: result.Tokens.RefreshToken}, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthFlow_DisabledAccount(t *testing.T) {
	ts, user := newServer(t)

	_, result := login(t, ts, user.Email, TestPassword, "")
	require.NotNil(t, result)

	n, err := ts.Users.DisableUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	resp, err := ts.RequestWithAuth(http.MethodGet, "/sessions", result.Tokens.AccessToken, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = login(t, ts, user.Email, TestPassword, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
