package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// MFARepository persists TOTP secrets and backup code hashes
type MFARepository interface {
	Get(ctx context.Context, userID string) (*models.MFACredential, error)
	SavePendingSetup(ctx context.Context, userID string, encrypted, nonce []byte, codeHashes []string, now time.Time) error
	Activate(ctx context.Context, userID string, step int64, now time.Time) error
	Disable(ctx context.Context, userID string) error
	AdvanceTOTPStep(ctx context.Context, userID string, step int64, now time.Time) (bool, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string, now time.Time) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
}

// MFAService verifies second factors and manages enrollment
type MFAService struct {
	repo    MFARepository
	totp    *auth.TOTPManager
	cfg     config.MFAConfig
	env     string
	timeout time.Duration
	now     Clock
	logger  *slog.Logger
}

func NewMFAService(repo MFARepository, totp *auth.TOTPManager, cfg config.MFAConfig, env string, timeout time.Duration, now Clock, logger *slog.Logger) *MFAService {
	return &MFAService{
		repo:    repo,
		totp:    totp,
		cfg:     cfg,
		env:     env,
		timeout: timeout,
		now:     now.orSystem(),
		logger:  logger,
	}
}

func (s *MFAService) credential(ctx context.Context, userID string) (*models.MFACredential, error) {
	cred, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, models.Infra("mfa lookup", err)
	}
	return cred, nil
}

// IsEnabled reports whether the identity has a confirmed second factor
func (s *MFAService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return false, err
	}
	return cred != nil && cred.Enabled, nil
}

// Verify checks a submitted code against the identity's TOTP secret or
// unused backup codes. A backup code is marked used before success is reported.
func (s *MFAService) Verify(ctx context.Context, userID, code string) (*models.MFAVerification, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Enabled {
		return &models.MFAVerification{}, nil
	}

	if s.bypassAllowed(code) {
		s.logger.Warn("second factor accepted by insecure test mode", slog.String("user_id", userID))
		return &models.MFAVerification{Valid: true, Method: models.MFAMethodBypass}, nil
	}

	now := s.now()
	switch {
	case auth.IsTOTPCode(code):
		return s.verifyTOTP(ctx, cred, code, now)
	case auth.LooksLikeBackupCode(code):
		return s.verifyBackupCode(ctx, userID, code, now)
	default:
		return &models.MFAVerification{}, nil
	}
}

func (s *MFAService) bypassAllowed(code string) bool {
	if !s.cfg.InsecureTestMode || s.env == "production" || s.cfg.InsecureTestCode == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(s.cfg.InsecureTestCode)) == 1
}

func (s *MFAService) verifyTOTP(ctx context.Context, cred *models.MFACredential, code string, now time.Time) (*models.MFAVerification, error) {
	secret, err := s.totp.DecryptSecret(cred.SecretEncrypted, cred.SecretNonce)
	if err != nil {
		return nil, models.Infra("decrypt totp secret", err)
	}

	step, ok, err := s.totp.MatchTOTP(string(secret), code, now)
	if err != nil {
		return nil, models.Infra("match totp", err)
	}
	if !ok {
		return &models.MFAVerification{}, nil
	}

	advanced, err := s.repo.AdvanceTOTPStep(ctx, cred.UserID, step, now)
	if err != nil {
		return nil, models.Infra("advance totp step", err)
	}
	if !advanced {
		s.logger.Warn("totp code replayed", slog.String("user_id", cred.UserID), slog.Int64("step", step))
		return &models.MFAVerification{}, nil
	}
	return &models.MFAVerification{Valid: true, Method: models.MFAMethodTOTP}, nil
}

func (s *MFAService) verifyBackupCode(ctx context.Context, userID, code string, now time.Time) (*models.MFAVerification, error) {
	consumed, err := s.repo.ConsumeBackupCode(ctx, userID, auth.HashBackupCode(code), now)
	if err != nil {
		return nil, models.Infra("consume backup code", err)
	}
	if !consumed {
		return &models.MFAVerification{}, nil
	}

	remaining, err := s.repo.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		// the code is already spent; report success without the count
		s.logger.Error("failed to count backup codes", slog.String("user_id", userID), slog.String("error", err.Error()))
		return &models.MFAVerification{Valid: true, Method: models.MFAMethodBackupCode}, nil
	}
	return &models.MFAVerification{Valid: true, Method: models.MFAMethodBackupCode, RemainingBackupCodes: &remaining}, nil
}

// GenerateSetup creates an unconfirmed secret and a fresh set of backup codes.
// The clear secret and codes are only ever returned here.
func (s *MFAService) GenerateSetup(ctx context.Context, userID, accountName string) (*models.MFASetup, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.Enabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	setup, err := s.totp.GenerateSetup(accountName)
	if err != nil {
		return nil, models.Infra("generate totp setup", err)
	}
	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	if err := s.repo.SavePendingSetup(ctx, userID, setup.Encrypted, setup.Nonce, hashes, s.now()); err != nil {
		return nil, models.Infra("save mfa setup", err)
	}

	return &models.MFASetup{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		QRCode:          setup.QRCode,
		BackupCodes:     codes,
	}, nil
}

// Enable activates the pending secret once code verifies against it
func (s *MFAService) Enable(ctx context.Context, userID, code string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil || !cred.HasPendingSetup() {
		if cred != nil && cred.Enabled {
			return models.ErrMFAAlreadyEnabled
		}
		return models.ErrMFASetupMissing
	}

	secret, err := s.totp.DecryptSecret(cred.PendingSecretEncrypted, cred.PendingSecretNonce)
	if err != nil {
		return models.Infra("decrypt pending secret", err)
	}

	now := s.now()
	step, ok, err := s.totp.MatchTOTP(string(secret), code, now)
	if err != nil {
		return models.Infra("match totp", err)
	}
	if !ok {
		return models.ErrChallengeInvalid
	}

	if err := s.repo.Activate(ctx, userID, step, now); err != nil {
		if errors.Is(err, models.ErrMFASetupMissing) {
			return err
		}
		return models.Infra("activate mfa", err)
	}
	return nil
}

// Disable clears the secret and every backup code
func (s *MFAService) Disable(ctx context.Context, userID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Disable(ctx, userID); err != nil {
		if errors.Is(err, models.ErrMFANotEnrolled) {
			return err
		}
		return models.Infra("disable mfa", err)
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code of an enrolled identity
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Enabled {
		return nil, models.ErrMFANotEnrolled
	}

	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceBackupCodes(ctx, userID, hashes, s.now()); err != nil {
		return nil, models.Infra("replace backup codes", err)
	}
	return codes, nil
}

// Status reports enrollment and the number of unused backup codes
func (s *MFAService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Enabled {
		return &models.MFAStatus{}, nil
	}

	remaining, err := s.repo.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return nil, models.Infra("count backup codes", err)
	}
	return &models.MFAStatus{
		Enabled:              true,
		EnabledAt:            cred.EnabledAt,
		RemainingBackupCodes: remaining,
	}, nil
}

func (s *MFAService) newBackupCodes() ([]string, []string, error) {
	codes, err := s.totp.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, nil, models.Infra("generate backup codes", err)
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = auth.HashBackupCode(code)
	}
	return codes, hashes, nil
}
