package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

const (
	challengeHandleBytes = 32
	maxIdentifierLength  = 320
	maxSecretLength      = 1024

	reasonInvalidCredentials = "invalid_credentials"
	reasonAccountLocked      = "account_locked"
	reasonHighRisk           = "high_risk"
	reasonNoSecondFactor     = "second_factor_unavailable"
	reasonAccountUnavailable = "account_unavailable"
)

// ChallengeStore holds logins awaiting a second factor
type ChallengeStore interface {
	Save(ctx context.Context, ch *models.PendingChallenge, ttl time.Duration) error
	Consume(ctx context.Context, handle string) (*models.PendingChallenge, time.Duration, error)
	Restore(ctx context.Context, ch *models.PendingChallenge, remaining time.Duration, maxAttempts int) (bool, error)
	Delete(ctx context.Context, handle string) (bool, error)
}

// AuthServiceConfig holds the orchestrator's policy knobs
type AuthServiceConfig struct {
	ChallengeTTL          time.Duration
	ChallengeMaxAttempts  int
	MaxConcurrentSessions int
	StoreTimeout          time.Duration
}

// AuthServiceDeps are the collaborators of AuthService
type AuthServiceDeps struct {
	Credentials *CredentialService
	Risk        *RiskAssessor
	MFA         *MFAService
	Challenges  ChallengeStore
	Tokens      *TokenService
	Sessions    *SessionService
	Events      EventRecorder
	Timing      *auth.TimingDelay
	Random      io.Reader
	Now         Clock
	Logger      *slog.Logger
}

// AuthService runs the login state machine and exposes session and MFA management
type AuthService struct {
	cfg         AuthServiceConfig
	credentials *CredentialService
	risk        *RiskAssessor
	mfa         *MFAService
	challenges  ChallengeStore
	tokens      *TokenService
	sessions    *SessionService
	events      EventRecorder
	timing      *auth.TimingDelay
	random      io.Reader
	now         Clock
	logger      *slog.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(cfg AuthServiceConfig, deps AuthServiceDeps) *AuthService {
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	return &AuthService{
		cfg:         cfg,
		credentials: deps.Credentials,
		risk:        deps.Risk,
		mfa:         deps.MFA,
		challenges:  deps.Challenges,
		tokens:      deps.Tokens,
		sessions:    deps.Sessions,
		events:      deps.Events,
		timing:      deps.Timing,
		random:      random,
		now:         deps.Now.orSystem(),
		logger:      deps.Logger,
	}
}

func validateLogin(identifier, secret string) error {
	switch {
	case strings.TrimSpace(identifier) == "":
		return models.NewValidationError("identifier", "is required")
	case len(identifier) > maxIdentifierLength:
		return models.NewValidationError("identifier", "is too long")
	case secret == "":
		return models.NewValidationError("secret", "is required")
	case len(secret) > maxSecretLength:
		return models.NewValidationError("secret", "is too long")
	}
	return nil
}

// Authenticate verifies credentials, scores the attempt and either blocks it,
// parks it behind a second-factor challenge, or opens a session.
// Unknown identities and wrong secrets both yield ErrInvalidCredentials.
func (s *AuthService) Authenticate(ctx context.Context, identifier, secret string, lc models.LoginContext) (*models.LoginResult, error) {
	start := s.now()
	if err := validateLogin(identifier, secret); err != nil {
		return nil, err
	}

	check, err := s.credentials.Verify(ctx, identifier, secret)
	if err != nil {
		s.logger.Error("credential check failed", slog.String("error", err.Error()))
		s.timing.WaitFrom(ctx, start, false)
		return nil, err
	}

	if !check.Found || check.Disabled {
		userID := models.UnknownIdentity
		if check.Found {
			userID = check.User.ID
		}
		s.risk.RecordFailure(ctx, "", lc.IPAddress)
		s.logger.Info("login failed: invalid credentials", slog.String("identifier", pkglogger.SanitizedEmail(identifier)))
		s.emit(models.EventLoginFailed, userID, lc, nil, models.EventMetadata{"reason": reasonInvalidCredentials})
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrInvalidCredentials
	}

	user := check.User
	s.risk.RecordAttempt(ctx, user.ID)

	// A wrong secret reads the same whether or not the account is locked.
	// Only the holder of the right secret learns about the lock.
	if !check.SecretMatches {
		var err error
		if check.Locked {
			err = s.rejectWhileLocked(ctx, user, lc, *check.LockUntil)
		} else {
			err = s.rejectSecret(ctx, user, lc)
		}
		s.timing.WaitFrom(ctx, start, false)
		return nil, err
	}

	if check.Locked {
		s.emit(models.EventLoginFailed, user.ID, lc, nil, models.EventMetadata{
			"reason":       reasonAccountLocked,
			"locked_until": check.LockUntil.UTC().Format(time.RFC3339),
		})
		s.timing.WaitFrom(ctx, start, false)
		return nil, &models.AccountLockedError{Until: *check.LockUntil}
	}

	assessment := s.risk.Assess(ctx, user, lc)
	result := &models.LoginResult{Risk: assessment.Summary()}

	if assessment.ShouldBlock {
		s.block(user, lc, assessment, reasonHighRisk)
		s.timing.WaitFrom(ctx, start, false)
		result.Status = models.LoginStatusBlocked
		return result, nil
	}

	if assessment.RequiresSecondFactor {
		enabled, err := s.mfa.IsEnabled(ctx, user.ID)
		if err != nil {
			s.logger.Error("mfa lookup failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
			return nil, err
		}
		if !enabled {
			s.block(user, lc, assessment, reasonNoSecondFactor)
			s.timing.WaitFrom(ctx, start, false)
			result.Status = models.LoginStatusBlocked
			return result, nil
		}
		return s.issueChallenge(ctx, user, lc, assessment, result)
	}

	pair, err := s.establish(ctx, user, lc, assessment, "password")
	if err != nil {
		return nil, err
	}
	s.timing.WaitFrom(ctx, start, true)

	result.Status = models.LoginStatusAuthenticated
	result.Tokens = pair
	return result, nil
}

// rejectSecret counts a wrong secret and locks the account once the threshold is reached
func (s *AuthService) rejectSecret(ctx context.Context, user *models.User, lc models.LoginContext) error {
	s.risk.RecordFailure(ctx, user.ID, lc.IPAddress)

	state, err := s.credentials.RecordFailure(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to record login failure", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		s.emit(models.EventLoginFailed, user.ID, lc, nil, models.EventMetadata{"reason": reasonInvalidCredentials})
		return err
	}

	s.logger.Info("login failed: invalid credentials", slog.String("user_id", user.ID))
	s.emit(models.EventLoginFailed, user.ID, lc, nil, models.EventMetadata{
		"reason":          reasonInvalidCredentials,
		"failed_attempts": strconv.Itoa(state.FailedAttempts),
	})
	if state.LockedUntil != nil {
		s.emit(models.EventAccountLocked, user.ID, lc, nil, models.EventMetadata{
			"reason":          reasonAccountLocked,
			"failed_attempts": strconv.Itoa(state.FailedAttempts),
			"locked_until":    state.LockedUntil.UTC().Format(time.RFC3339),
		})
	}
	return models.ErrInvalidCredentials
}

// rejectWhileLocked answers a wrong secret on a locked account. The lock is
// neither extended nor revealed.
func (s *AuthService) rejectWhileLocked(ctx context.Context, user *models.User, lc models.LoginContext, until time.Time) error {
	s.risk.RecordFailure(ctx, user.ID, lc.IPAddress)
	s.logger.Info("login failed: invalid credentials on locked account", slog.String("user_id", user.ID))
	s.emit(models.EventLoginFailed, user.ID, lc, nil, models.EventMetadata{
		"reason":       reasonInvalidCredentials,
		"locked_until": until.UTC().Format(time.RFC3339),
	})
	return models.ErrInvalidCredentials
}

func (s *AuthService) block(user *models.User, lc models.LoginContext, assessment *models.RiskAssessment, reason string) {
	s.logger.Warn("login blocked",
		slog.String("user_id", user.ID),
		slog.String("reason", reason),
		slog.Int("risk_score", assessment.Score),
		slog.String("risk_factors", strings.Join(assessment.Factors, ",")))
	s.emit(models.EventLoginBlocked, user.ID, lc, assessment, models.EventMetadata{
		"reason":     reason,
		"risk_score": strconv.Itoa(assessment.Score),
		"factors":    strings.Join(assessment.Factors, ","),
	})
}

func (s *AuthService) newChallengeHandle() (string, error) {
	buf := make([]byte, challengeHandleBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", models.Infra("challenge handle", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *AuthService) issueChallenge(ctx context.Context, user *models.User, lc models.LoginContext, assessment *models.RiskAssessment, result *models.LoginResult) (*models.LoginResult, error) {
	handle, err := s.newChallengeHandle()
	if err != nil {
		return nil, err
	}

	now := s.now()
	ch := &models.PendingChallenge{
		Version:   models.PendingChallengeVersion,
		Handle:    handle,
		UserID:    user.ID,
		Context:   lc,
		Risk:      assessment,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}

	storeCtx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.challenges.Save(storeCtx, ch, s.cfg.ChallengeTTL); err != nil {
		s.logger.Error("failed to save challenge", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return nil, models.Infra("save challenge", err)
	}

	s.emit(models.EventChallengeIssued, user.ID, lc, assessment, models.EventMetadata{
		"factors": strings.Join(assessment.Factors, ","),
	})

	result.Status = models.LoginStatusChallenge
	result.ChallengeHandle = handle
	result.ChallengeExpiry = &ch.ExpiresAt
	return result, nil
}

// establish enforces the session limit, opens a session and resets the failure counter
func (s *AuthService) establish(ctx context.Context, user *models.User, lc models.LoginContext, assessment *models.RiskAssessment, method string) (*models.TokenPair, error) {
	count, err := s.sessions.CountActive(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if count >= s.cfg.MaxConcurrentSessions {
		s.emit(models.EventSessionLimit, user.ID, lc, assessment, models.EventMetadata{
			"active_sessions": strconv.Itoa(count),
		})
		return nil, models.ErrTooManySessions
	}

	pair, session, err := s.tokens.Issue(ctx, user, lc)
	if err != nil {
		s.logger.Error("failed to issue tokens", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return nil, err
	}

	if err := s.credentials.RecordSuccess(ctx, user.ID, lc.IPAddress); err != nil {
		s.logger.Error("failed to reset credential state, revoking new session",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
		if _, rerr := s.sessions.Revoke(ctx, session.ID, models.RevokeReasonLoginAborted); rerr != nil {
			s.logger.Error("failed to revoke session", slog.String("session_id", session.ID), slog.String("error", rerr.Error()))
		}
		return nil, err
	}
	s.risk.Learn(ctx, user.ID, lc)

	s.logger.Info("user logged in", slog.String("user_id", user.ID), slog.String("method", method))
	s.emit(models.EventLoginSuccess, user.ID, lc, assessment, models.EventMetadata{
		"method":     method,
		"session_id": session.ID,
	})
	return pair, nil
}

// CompleteChallenge redeems a challenge handle with a second-factor code.
// A handle is redeemable once; a missing or expired handle yields status expired.
func (s *AuthService) CompleteChallenge(ctx context.Context, handle, code string) (*models.ChallengeResult, error) {
	handle = strings.TrimSpace(handle)
	code = strings.TrimSpace(code)
	if handle == "" {
		return nil, models.NewValidationError("challenge_handle", "is required")
	}
	if code == "" {
		return nil, models.NewValidationError("code", "is required")
	}

	// The handle is taken before the code is checked, so a backup code is
	// never spent on a handle another caller already redeemed.
	consumeCtx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	ch, remaining, err := s.challenges.Consume(consumeCtx, handle)
	cancel()
	if errors.Is(err, models.ErrChallengeExpired) {
		s.emit(models.EventChallengeExpired, models.UnknownIdentity, models.LoginContext{}, nil, nil)
		return &models.ChallengeResult{Status: models.LoginStatusExpired}, nil
	}
	if err != nil {
		return nil, models.Infra("consume challenge", err)
	}

	verification, err := s.mfa.Verify(ctx, ch.UserID, code)
	if err != nil {
		s.logger.Error("second factor check failed", slog.String("user_id", ch.UserID), slog.String("error", err.Error()))
		s.putBack(ctx, ch, remaining)
		return nil, err
	}

	if !verification.Valid {
		return s.rejectCode(ctx, ch, remaining), nil
	}

	user, err := s.credentials.Lookup(ctx, ch.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if user == nil || user.Status != models.UserStatusActive {
		s.emit(models.EventLoginFailed, ch.UserID, ch.Context, ch.Risk, models.EventMetadata{"reason": reasonAccountUnavailable})
		return &models.ChallengeResult{Status: models.LoginStatusInvalid}, nil
	}

	pair, err := s.establish(ctx, user, ch.Context, ch.Risk, verification.Method)
	if err != nil {
		return nil, err
	}

	result := &models.ChallengeResult{Status: models.LoginStatusAuthenticated, Tokens: pair}
	if verification.Method == models.MFAMethodBackupCode {
		meta := models.EventMetadata{}
		if verification.RemainingBackupCodes != nil {
			meta["remaining"] = strconv.Itoa(*verification.RemainingBackupCodes)
		}
		s.emit(models.EventBackupCodeUsed, user.ID, ch.Context, ch.Risk, meta)
		result.RemainingBackupCodes = verification.RemainingBackupCodes
	}
	return result, nil
}

// rejectCode counts a wrong code and puts the challenge back with the TTL it had left
func (s *AuthService) rejectCode(ctx context.Context, ch *models.PendingChallenge, remaining time.Duration) *models.ChallengeResult {
	ctx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	exhausted, err := s.challenges.Restore(ctx, ch, remaining, s.cfg.ChallengeMaxAttempts)
	if err != nil {
		s.logger.Error("failed to restore challenge", slog.String("user_id", ch.UserID), slog.String("error", err.Error()))
	}

	s.emit(models.EventChallengeFailed, ch.UserID, ch.Context, ch.Risk, models.EventMetadata{
		"exhausted": strconv.FormatBool(exhausted),
	})
	return &models.ChallengeResult{Status: models.LoginStatusInvalid}
}

// putBack restores a challenge whose code could not be checked, without counting an attempt
func (s *AuthService) putBack(ctx context.Context, ch *models.PendingChallenge, remaining time.Duration) {
	if remaining <= 0 {
		return
	}
	ctx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.challenges.Save(ctx, ch, remaining); err != nil {
		s.logger.Error("failed to restore challenge", slog.String("user_id", ch.UserID), slog.String("error", err.Error()))
	}
}

// CancelChallenge deletes a pending challenge early. Cancelling an unknown handle is not an error.
func (s *AuthService) CancelChallenge(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return models.NewValidationError("challenge_handle", "is required")
	}

	ctx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	existed, err := s.challenges.Delete(ctx, handle)
	if err != nil {
		return models.Infra("cancel challenge", err)
	}
	if existed {
		s.emit(models.EventChallengeCancelled, models.UnknownIdentity, models.LoginContext{}, nil, nil)
	}
	return nil
}

// Refresh rotates a refresh token. A replayed token revokes its session and
// is reported as ErrInvalidToken, the same as an expired one.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, lc models.LoginContext) (*models.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, models.NewValidationError("refresh_token", "is required")
	}

	outcome, err := s.tokens.Refresh(ctx, refreshToken, lc)
	if err != nil {
		var replay *ReplayError
		if errors.As(err, &replay) {
			s.emit(models.EventRefreshReplay, replay.UserID, lc, nil, models.EventMetadata{
				"reason":     models.RevokeReasonReplay,
				"session_id": replay.SessionID,
			})
			return nil, models.ErrInvalidToken
		}
		if !errors.Is(err, models.ErrInvalidToken) {
			s.logger.Error("token refresh failed", slog.String("error", err.Error()))
		}
		return nil, err
	}

	s.emit(models.EventTokenRefreshed, outcome.User.ID, lc, nil, models.EventMetadata{
		"session_id": outcome.Session.ID,
	})
	return outcome.Tokens, nil
}

// ValidateAccessToken checks a token's signature and expiry. It reads no store and mutates nothing.
func (s *AuthService) ValidateAccessToken(token string) (*models.Identity, error) {
	return s.tokens.Validate(token)
}

// IsSessionActive reports whether the session behind an access token is still
// usable and bumps its last activity when it is.
func (s *AuthService) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	err := s.sessions.Touch(ctx, sessionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// RevokeSession ends one session. Revoking an already-ended session is a no-op.
func (s *AuthService) RevokeSession(ctx context.Context, sessionID, reason string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	revoked, err := s.tokens.Revoke(ctx, sessionID, reason)
	if err != nil {
		return err
	}
	if revoked {
		s.emit(models.EventSessionRevoked, session.UserID, models.LoginContext{}, nil, models.EventMetadata{
			"session_id": sessionID,
			"revoke":     reason,
		})
	}
	return nil
}

// RevokeOwnSession ends a session only if it belongs to userID. Foreign sessions look missing.
func (s *AuthService) RevokeOwnSession(ctx context.Context, userID, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return models.ErrNotFound
	}
	return s.RevokeSession(ctx, sessionID, models.RevokeReasonLogout)
}

// RevokeAllSessions ends every active session of the identity
func (s *AuthService) RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error) {
	n, err := s.tokens.RevokeAll(ctx, userID, reason)
	if err != nil {
		return 0, err
	}
	s.emit(models.EventSessionsRevokedAll, userID, models.LoginContext{}, nil, models.EventMetadata{
		"revoke": reason,
		"count":  strconv.FormatInt(n, 10),
	})
	return n, nil
}

// ListSessions returns the identity's active sessions, most recently used first
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.sessions.List(ctx, userID)
}

// EnrollMFA starts enrollment and returns the secret and backup codes once
func (s *AuthService) EnrollMFA(ctx context.Context, userID string) (*models.MFASetup, error) {
	user, err := s.credentials.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	setup, err := s.mfa.GenerateSetup(ctx, user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	s.emit(models.EventMFASetup, user.ID, models.LoginContext{}, nil, nil)
	return setup, nil
}

// ConfirmMFA activates the pending secret after one valid code
func (s *AuthService) ConfirmMFA(ctx context.Context, userID, code string) error {
	if !auth.IsTOTPCode(strings.TrimSpace(code)) {
		return models.NewValidationError("code", "must be 6 digits")
	}
	if err := s.mfa.Enable(ctx, userID, strings.TrimSpace(code)); err != nil {
		return err
	}
	s.emit(models.EventMFAEnabled, userID, models.LoginContext{}, nil, nil)
	return nil
}

// DisableMFA removes the second factor after checking a current TOTP or backup code
func (s *AuthService) DisableMFA(ctx context.Context, userID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.NewValidationError("code", "is required")
	}

	enabled, err := s.mfa.IsEnabled(ctx, userID)
	if err != nil {
		return err
	}
	if !enabled {
		return models.ErrMFANotEnrolled
	}

	verification, err := s.mfa.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	if !verification.Valid {
		s.emit(models.EventChallengeFailed, userID, models.LoginContext{}, nil, models.EventMetadata{"action": "mfa_disable"})
		return models.ErrChallengeInvalid
	}

	if err := s.mfa.Disable(ctx, userID); err != nil {
		return err
	}
	s.emit(models.EventMFADisabled, userID, models.LoginContext{}, nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the identity's backup codes
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := s.mfa.RegenerateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.emit(models.EventBackupCodesRotated, userID, models.LoginContext{}, nil, nil)
	return codes, nil
}

// MFAStatus reports enrollment state
func (s *AuthService) MFAStatus(ctx context.Context, userID string) (*models.MFAStatus, error) {
	return s.mfa.Status(ctx, userID)
}

func (s *AuthService) emit(kind, userID string, lc models.LoginContext, assessment *models.RiskAssessment, meta models.EventMetadata) {
	e := models.SecurityEvent{
		UserID:    userID,
		Kind:      kind,
		IPAddress: lc.IPAddress,
		UserAgent: lc.UserAgent,
		Location:  lc.Location(),
		Metadata:  meta,
		CreatedAt: s.now(),
	}
	if assessment != nil {
		e.RiskLevel = assessment.Level
	}
	s.events.Record(e)
}
