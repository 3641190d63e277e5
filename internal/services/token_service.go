package services

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// RefreshOutcome is a successful rotation
type RefreshOutcome struct {
	Tokens  *models.TokenPair
	Session *models.Session
	User    *models.User
}

// ReplayError identifies the session revoked because a rotated refresh token came back
type ReplayError struct {
	SessionID string
	UserID    string
}

func (e *ReplayError) Error() string {
	return models.ErrReplayDetected.Error()
}

func (e *ReplayError) Unwrap() error {
	return models.ErrReplayDetected
}

// TokenService mints access tokens and rotating refresh tokens bound to sessions
type TokenService struct {
	tm       *auth.TokenManager
	sessions *SessionService
	users    *CredentialService
	random   io.Reader
	now      Clock
	logger   *slog.Logger
}

func NewTokenService(tm *auth.TokenManager, sessions *SessionService, users *CredentialService, random io.Reader, now Clock, logger *slog.Logger) *TokenService {
	if random == nil {
		random = rand.Reader
	}
	return &TokenService{
		tm:       tm,
		sessions: sessions,
		users:    users,
		random:   random,
		now:      now.orSystem(),
		logger:   logger,
	}
}

func identityOf(user *models.User, sessionID string) models.Identity {
	return models.Identity{
		UserID:    user.ID,
		Role:      user.Role,
		TenantID:  user.TenantID,
		SessionID: sessionID,
	}
}

// Issue creates a session for user and returns its first token pair
func (s *TokenService) Issue(ctx context.Context, user *models.User, lc models.LoginContext) (*models.TokenPair, *models.Session, error) {
	sessionID := uuid.NewString()

	refresh, hash, err := auth.NewRefreshToken(sessionID, s.random)
	if err != nil {
		return nil, nil, models.Infra("mint refresh token", err)
	}

	session, err := s.sessions.Create(ctx, sessionID, user.ID, hash, lc)
	if err != nil {
		return nil, nil, err
	}

	access, expiresAt, err := s.tm.GenerateAccessToken(identityOf(user, session.ID), s.now())
	if err != nil {
		return nil, nil, models.Infra("mint access token", err)
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		SessionID:    session.ID,
	}, session, nil
}

// Refresh rotates refreshToken. Exactly one of any concurrent callers
// presenting the same token wins; presenting a token that was already rotated
// away from a live session revokes that session and yields a ReplayError.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, lc models.LoginContext) (*RefreshOutcome, error) {
	sessionID, err := auth.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, models.ErrInvalidToken
	}
	presented := auth.HashRefreshToken(refreshToken)

	next, nextHash, err := auth.NewRefreshToken(sessionID, s.random)
	if err != nil {
		return nil, models.Infra("mint refresh token", err)
	}

	session, err := s.sessions.Rotate(ctx, sessionID, presented, nextHash, lc)
	if errors.Is(err, models.ErrNotFound) {
		return nil, s.classifyRejectedRefresh(ctx, sessionID, presented)
	}
	if err != nil {
		return nil, err
	}

	user, err := s.users.Lookup(ctx, session.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if user == nil || user.Status != models.UserStatusActive {
		if _, err := s.sessions.Revoke(ctx, session.ID, models.RevokeReasonAccountDisabled); err != nil {
			s.logger.Error("failed to revoke session of inactive account",
				slog.String("session_id", session.ID), slog.String("error", err.Error()))
		}
		return nil, models.ErrInvalidToken
	}

	access, expiresAt, err := s.tm.GenerateAccessToken(identityOf(user, session.ID), s.now())
	if err != nil {
		return nil, models.Infra("mint access token", err)
	}

	return &RefreshOutcome{
		Tokens: &models.TokenPair{
			AccessToken:  access,
			RefreshToken: next,
			ExpiresAt:    expiresAt,
			SessionID:    session.ID,
		},
		Session: session,
		User:    user,
	}, nil
}

// classifyRejectedRefresh decides why a rotation matched nothing. A live
// session carrying a different hash means the presented token was already
// rotated: the session is revoked.
func (s *TokenService) classifyRejectedRefresh(ctx context.Context, sessionID, presentedHash string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if !session.IsActive(s.now()) || session.RefreshTokenHash == presentedHash {
		return models.ErrInvalidToken
	}

	if _, err := s.sessions.Revoke(ctx, sessionID, models.RevokeReasonReplay); err != nil {
		return err
	}
	s.logger.Warn("refresh token replay detected, session revoked",
		slog.String("session_id", sessionID),
		slog.String("user_id", session.UserID))
	return &ReplayError{SessionID: sessionID, UserID: session.UserID}
}

// Revoke ends one session; later refreshes of its tokens fail
func (s *TokenService) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	return s.sessions.Revoke(ctx, sessionID, reason)
}

// RevokeAll ends every active session of the identity
func (s *TokenService) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	return s.sessions.RevokeAll(ctx, userID, reason)
}

// Validate verifies an access token without touching any store
func (s *TokenService) Validate(token string) (*models.Identity, error) {
	claims, err := s.tm.ValidateAccessToken(token, s.now())
	if err != nil {
		return nil, models.ErrInvalidToken
	}
	return &models.Identity{
		UserID:    claims.UserID,
		Role:      claims.Role,
		TenantID:  claims.TenantID,
		SessionID: claims.SessionID,
	}, nil
}
