package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// SessionRepository is the durable session table. Rows are never deleted.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error)
	Touch(ctx context.Context, id string, now time.Time) error
	Rotate(ctx context.Context, rot models.SessionRotation) (*models.Session, error)
	Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error)
	IsActive(ctx context.Context, id string, now time.Time) (bool, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// SessionService is the session registry.
//
// The concurrency limit is check-then-create: two logins racing past
// CountActive can both create a session, overrunning the limit by at most
// the number of logins in flight. The overrun is temporary since every
// session expires.
type SessionService struct {
	repo          SessionRepository
	refreshExpiry time.Duration
	timeout       time.Duration
	now           Clock
	logger        *slog.Logger
}

func NewSessionService(repo SessionRepository, refreshExpiry, timeout time.Duration, now Clock, logger *slog.Logger) *SessionService {
	return &SessionService{
		repo:          repo,
		refreshExpiry: refreshExpiry,
		timeout:       timeout,
		now:           now.orSystem(),
		logger:        logger,
	}
}

// Create records a new active session whose id and refresh hash were minted by the caller
func (s *SessionService) Create(ctx context.Context, sessionID, userID, refreshHash string, lc models.LoginContext) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	session, err := s.repo.Create(ctx, &models.Session{
		ID:                sessionID,
		UserID:            userID,
		RefreshTokenHash:  refreshHash,
		DeviceFingerprint: lc.DeviceFingerprint,
		IPAddress:         lc.IPAddress,
		UserAgent:         lc.UserAgent,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.refreshExpiry),
	})
	if err != nil {
		return nil, models.Infra("create session", err)
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.Infra("get session", err)
	}
	return session, nil
}

func (s *SessionService) CountActive(ctx context.Context, userID string) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.repo.CountActive(ctx, userID, s.now())
	if err != nil {
		return 0, models.Infra("count sessions", err)
	}
	return count, nil
}

func (s *SessionService) List(ctx context.Context, userID string) ([]*models.Session, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	sessions, err := s.repo.ListActive(ctx, userID, s.now())
	if err != nil {
		return nil, models.Infra("list sessions", err)
	}
	return sessions, nil
}

// Touch bumps last activity. A session that is no longer active yields ErrNotFound.
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Touch(ctx, sessionID, s.now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.Infra("touch session", err)
	}
	return nil
}

// Rotate swaps the refresh hash if expectedHash is still current and extends
// the expiry. A stale hash or unusable session yields ErrNotFound.
func (s *SessionService) Rotate(ctx context.Context, sessionID, expectedHash, nextHash string, lc models.LoginContext) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	session, err := s.repo.Rotate(ctx, models.SessionRotation{
		SessionID:    sessionID,
		ExpectedHash: expectedHash,
		NextHash:     nextHash,
		ExpiresAt:    now.Add(s.refreshExpiry),
		ActivityAt:   now,
		IPAddress:    lc.IPAddress,
		UserAgent:    lc.UserAgent,
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.Infra("rotate session", err)
	}
	return session, nil
}

// Revoke ends one session. It reports false when the session was already terminal.
func (s *SessionService) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	revoked, err := s.repo.Revoke(ctx, sessionID, reason, s.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, models.ErrNotFound
		}
		return false, models.Infra("revoke session", err)
	}
	return revoked, nil
}

func (s *SessionService) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.RevokeAllForUser(ctx, userID, reason, s.now())
	if err != nil {
		return 0, models.Infra("revoke sessions", err)
	}
	return n, nil
}

// IsActive reports liveness without recording activity
func (s *SessionService) IsActive(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	active, err := s.repo.IsActive(ctx, sessionID, s.now())
	if err != nil {
		return false, models.Infra("check session", err)
	}
	return active, nil
}

// ExpireStale marks lapsed sessions expired and returns how many changed
func (s *SessionService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, models.Infra("expire sessions", err)
	}
	return n, nil
}
