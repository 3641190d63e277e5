package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
)

// CredentialRepository is the persistent side of credential records
type CredentialRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	IncrementFailedAttempts(ctx context.Context, id string, now time.Time) (int, error)
	LockUntil(ctx context.Context, id string, until, now time.Time) error
	RecordSuccess(ctx context.Context, id, ip string, now time.Time) error
}

// CredentialCheck is the outcome of verifying an identifier and secret
type CredentialCheck struct {
	Found         bool
	SecretMatches bool
	Disabled      bool
	Locked        bool
	LockUntil     *time.Time
	User          *models.User
}

// Valid reports whether the check allows the login to proceed to risk assessment
func (c *CredentialCheck) Valid() bool {
	return c.Found && c.SecretMatches && !c.Disabled && !c.Locked
}

// CredentialService verifies secrets and owns the lockout counter
type CredentialService struct {
	repo    CredentialRepository
	hasher  *pkgauth.PasswordHasher
	lockout config.LockoutConfig
	timeout time.Duration
	now     Clock
	logger  *slog.Logger
}

func NewCredentialService(repo CredentialRepository, hasher *pkgauth.PasswordHasher, lockout config.LockoutConfig, timeout time.Duration, now Clock, logger *slog.Logger) *CredentialService {
	return &CredentialService{
		repo:    repo,
		hasher:  hasher,
		lockout: lockout,
		timeout: timeout,
		now:     now.orSystem(),
		logger:  logger,
	}
}

// NormalizeIdentifier trims and lower-cases a login identifier
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Verify looks up the identifier and compares the secret in constant time.
// Unknown identifiers are compared against a dummy hash so both paths cost one bcrypt run.
func (s *CredentialService) Verify(ctx context.Context, identifier, secret string) (*CredentialCheck, error) {
	lookupCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.repo.GetByEmail(lookupCtx, NormalizeIdentifier(identifier))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.hasher.CompareDummy(secret)
			return &CredentialCheck{}, nil
		}
		return nil, models.Infra("credential lookup", err)
	}

	check := &CredentialCheck{
		Found:         true,
		SecretMatches: s.hasher.Compare(user.PasswordHash, secret),
		Disabled:      user.Status != models.UserStatusActive,
		User:          user,
	}
	if user.IsLocked(s.now()) {
		check.Locked = true
		check.LockUntil = user.LockedUntil
	}
	return check, nil
}

// Lookup fetches a credential record by id. Missing records yield ErrNotFound.
func (s *CredentialService) Lookup(ctx context.Context, id string) (*models.User, error) {
	lookupCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.repo.GetByID(lookupCtx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.Infra("credential lookup", err)
	}
	return user, nil
}

// RecordFailure atomically bumps the failure counter and locks the record
// every time the counter reaches a multiple of the threshold.
func (s *CredentialService) RecordFailure(ctx context.Context, userID string) (*models.LockState, error) {
	now := s.now()

	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	attempts, err := s.repo.IncrementFailedAttempts(opCtx, userID, now)
	if err != nil {
		return nil, models.Infra("increment failed attempts", err)
	}

	state := &models.LockState{FailedAttempts: attempts}
	d := s.lockDuration(attempts)
	if d == 0 {
		return state, nil
	}

	until := now.Add(d)
	if err := s.repo.LockUntil(opCtx, userID, until, now); err != nil {
		return nil, models.Infra("lock credential", err)
	}
	state.LockedUntil = &until

	s.logger.Warn("account locked after failed attempts",
		slog.String("user_id", userID),
		slog.Int("failed_attempts", attempts),
		slog.Time("locked_until", until))
	return state, nil
}

// lockDuration returns how long to lock after the given number of consecutive failures, zero for none
func (s *CredentialService) lockDuration(attempts int) time.Duration {
	threshold := s.lockout.Threshold
	if threshold <= 0 || attempts < threshold || attempts%threshold != 0 {
		return 0
	}

	d := s.lockout.Duration
	if s.lockout.Progressive {
		for i := attempts / threshold; i > 1; i-- {
			d *= 2
			if s.lockout.MaxDuration > 0 && d >= s.lockout.MaxDuration {
				break
			}
		}
	}
	if s.lockout.MaxDuration > 0 && d > s.lockout.MaxDuration {
		d = s.lockout.MaxDuration
	}
	return d
}

// RecordSuccess clears the counter and lock and stamps the last login
func (s *CredentialService) RecordSuccess(ctx context.Context, userID, ip string) error {
	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.RecordSuccess(opCtx, userID, ip, s.now()); err != nil {
		return models.Infra("record login success", err)
	}
	return nil
}
