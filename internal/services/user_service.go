package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/pkg/auth"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// UserRepository is the provisioning side of the credential store
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	SetStatus(ctx context.Context, id, status string) error
}

// IPBlocklist is the operator-maintained set of hostile addresses
type IPBlocklist interface {
	Add(ctx context.Context, ips ...string) error
	Remove(ctx context.Context, ips ...string) error
}

// NewUser describes an account to provision
type NewUser struct {
	Email    string
	Password string
	Name     string
	Role     string
	TenantID string
}

// UserService provisions accounts and applies operator actions to them
type UserService struct {
	repo     UserRepository
	hasher   *auth.PasswordHasher
	sessions *SessionService
	blocked  IPBlocklist
	events   EventRecorder
	timeout  time.Duration
	logger   *slog.Logger
}

// NewUserService creates a new UserService
func NewUserService(repo UserRepository, hasher *auth.PasswordHasher, sessions *SessionService, blocked IPBlocklist, events EventRecorder, timeout time.Duration, logger *slog.Logger) *UserService {
	return &UserService{
		repo:     repo,
		hasher:   hasher,
		sessions: sessions,
		blocked:  blocked,
		events:   events,
		timeout:  timeout,
		logger:   logger,
	}
}

// CreateUser provisions an active account. The password must pass the strength rules.
func (s *UserService) CreateUser(ctx context.Context, nu NewUser) (*models.User, error) {
	email := NormalizeIdentifier(nu.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, models.NewValidationError("email", "must be an email address")
	}
	if err := auth.ValidatePassword(nu.Password); err != nil {
		return nil, models.NewValidationError("password", err.Error())
	}

	if _, err := s.lookupEmail(ctx, email); err == nil {
		s.logger.Info("user already exists", slog.String("email", pkglogger.SanitizedEmail(email)))
		return nil, models.ErrConflict
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, models.Infra("user lookup", err)
	}

	hash, err := s.hasher.Hash(nu.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	createCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.repo.Create(createCtx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         nu.Name,
		Role:         nu.Role,
		TenantID:     nu.TenantID,
		Status:       models.UserStatusActive,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, models.Infra("create user", err)
	}

	s.logger.Info("user created", slog.String("user_id", created.ID))
	return created, nil
}

func (s *UserService) lookupEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.GetByEmail(ctx, email)
}

// GetUser returns the account or ErrNotFound
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.Infra("user lookup", err)
	}
	return user, nil
}

// DisableUser blocks future logins and revokes every active session
func (s *UserService) DisableUser(ctx context.Context, id string) (int64, error) {
	if err := s.setStatus(ctx, id, models.UserStatusDisabled); err != nil {
		return 0, err
	}

	n, err := s.sessions.RevokeAll(ctx, id, models.RevokeReasonAccountDisabled)
	if err != nil {
		return 0, err
	}

	s.logger.Warn("user disabled", slog.String("user_id", id), slog.Int64("revoked_sessions", n))
	s.events.Record(models.SecurityEvent{UserID: id, Kind: models.EventAccountDisabled})
	return n, nil
}

// EnableUser re-activates a disabled account
func (s *UserService) EnableUser(ctx context.Context, id string) error {
	if err := s.setStatus(ctx, id, models.UserStatusActive); err != nil {
		return err
	}
	s.logger.Info("user enabled", slog.String("user_id", id))
	s.events.Record(models.SecurityEvent{UserID: id, Kind: models.EventAccountEnabled})
	return nil
}

func (s *UserService) setStatus(ctx context.Context, id, status string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.Infra("set user status", err)
	}
	return nil
}

// BlockIP adds addresses to the blocklist consulted by risk assessment
func (s *UserService) BlockIP(ctx context.Context, ips ...string) error {
	if err := validateIPs(ips); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.blocked.Add(ctx, ips...); err != nil {
		return models.Infra("block ip", err)
	}
	s.logger.Warn("ip addresses blocked", slog.Any("ips", ips))
	return nil
}

// UnblockIP removes addresses from the blocklist
func (s *UserService) UnblockIP(ctx context.Context, ips ...string) error {
	if err := validateIPs(ips); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.blocked.Remove(ctx, ips...); err != nil {
		return models.Infra("unblock ip", err)
	}
	s.logger.Info("ip addresses unblocked", slog.Any("ips", ips))
	return nil
}

func validateIPs(ips []string) error {
	if len(ips) == 0 {
		return models.NewValidationError("ip", "is required")
	}
	for _, ip := range ips {
		if net.ParseIP(ip) == nil {
			return models.NewValidationError("ip", fmt.Sprintf("%q is not an IP address", ip))
		}
	}
	return nil
}
