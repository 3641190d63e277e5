package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
)

const (
	testPassword  = "correct horse battery staple"
	testBrowserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"
	testScriptUA  = "python-requests/2.31"
)

// a Wednesday afternoon, inside business hours
var testEpoch = time.Date(2026, time.March, 11, 14, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t          *testing.T
	clock      *FakeClock
	mr         *miniredis.Miniredis
	cache      *cache.Cache
	users      *FakeCredentialRepository
	sessions   *FakeSessionRepository
	mfaRepo    *FakeMFARepository
	events     *RecordingEventSink
	devices    *stores.DeviceStore
	locations  *stores.LocationStore
	badIPs     *stores.BadIPStore
	counter    *stores.RedisRateCounter
	challenges *stores.ChallengeStore
	hasher     *pkgauth.PasswordHasher
	totp       *auth.TOTPManager
	riskCfg    config.RiskConfig
	lockout    config.LockoutConfig
	mfaCfg     config.MFAConfig
	cfg        AuthServiceConfig
	env        string

	credentialSvc *CredentialService
	riskSvc       *RiskAssessor
	mfaSvc        *MFAService
	sessionSvc    *SessionService
	tokenSvc      *TokenService
	userSvc       *UserService
	svc           *AuthService
}

type harnessOption func(h *harness)

func withMaxSessions(n int) harnessOption {
	return func(h *harness) { h.cfg.MaxConcurrentSessions = n }
}

func withInsecureBypass(code, env string) harnessOption {
	return func(h *harness) {
		h.mfaCfg.InsecureTestMode = true
		h.mfaCfg.InsecureTestCode = code
		h.env = env
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hasher, err := pkgauth.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	totpManager, err := auth.NewTOTPManager(make([]byte, 32), "Gatekeeper", nil)
	require.NoError(t, err)

	c := cache.Wrap(client, "test", discardLogger())
	h := &harness{
		t:          t,
		clock:      NewFakeClock(testEpoch),
		mr:         mr,
		cache:      c,
		users:      NewFakeCredentialRepository(),
		sessions:   NewFakeSessionRepository(),
		mfaRepo:    NewFakeMFARepository(),
		events:     &RecordingEventSink{},
		devices:    stores.NewDeviceStore(c),
		locations:  stores.NewLocationStore(c),
		badIPs:     stores.NewBadIPStore(c),
		counter:    stores.NewRedisRateCounter(c),
		challenges: stores.NewChallengeStore(c),
		hasher:     hasher,
		totp:       totpManager,
		riskCfg:    config.DefaultRiskConfig(),
		lockout: config.LockoutConfig{
			Threshold:   5,
			Duration:    15 * time.Minute,
			MaxDuration: 24 * time.Hour,
			Progressive: true,
		},
		mfaCfg: config.MFAConfig{
			BackupCodeCount:      10,
			ChallengeTTL:         300 * time.Second,
			ChallengeMaxAttempts: 5,
		},
		cfg: AuthServiceConfig{
			ChallengeTTL:          300 * time.Second,
			ChallengeMaxAttempts:  5,
			MaxConcurrentSessions: 5,
			StoreTimeout:          time.Second,
		},
		env: "development",
	}
	for _, opt := range opts {
		opt(h)
	}
	h.build()
	return h
}

func (h *harness) build() {
	logger := discardLogger()
	now := Clock(h.clock.Now)
	timeout := h.cfg.StoreTimeout

	h.credentialSvc = NewCredentialService(h.users, h.hasher, h.lockout, timeout, now, logger)
	h.riskSvc = NewRiskAssessor(h.riskCfg, h.devices, h.locations, h.badIPs, h.counter, timeout, now, logger)
	h.mfaSvc = NewMFAService(h.mfaRepo, h.totp, h.mfaCfg, h.env, timeout, now, logger)
	h.sessionSvc = NewSessionService(h.sessions, 7*24*time.Hour, timeout, now, logger)
	tm := auth.NewTokenManager("test-secret-32-characters-long!", "gatekeeper", 15*time.Minute)
	h.tokenSvc = NewTokenService(tm, h.sessionSvc, h.credentialSvc, nil, now, logger)

	h.userSvc = NewUserService(h.users, h.hasher, h.sessionSvc, h.badIPs, h.events, timeout, logger)

	h.svc = NewAuthService(h.cfg, AuthServiceDeps{
		Credentials: h.credentialSvc,
		Risk:        h.riskSvc,
		MFA:         h.mfaSvc,
		Challenges:  h.challenges,
		Tokens:      h.tokenSvc,
		Sessions:    h.sessionSvc,
		Events:      h.events,
		Now:         now,
		Logger:      logger,
	})
}

// addUser stores an active account whose password is testPassword
func (h *harness) addUser(id string, mutate ...func(u *models.User)) *models.User {
	h.t.Helper()
	hash, err := h.hasher.Hash(testPassword)
	require.NoError(h.t, err)

	u := &models.User{
		ID:           id,
		Email:        id + "@example.com",
		PasswordHash: hash,
		Name:         id,
		Role:         "user",
		TenantID:     "tenant-1",
		Status:       models.UserStatusActive,
	}
	for _, m := range mutate {
		m(u)
	}
	h.users.Put(u)
	return u
}

// returning marks the account as having logged in from ip an hour ago
func returning(ip string) func(u *models.User) {
	return func(u *models.User) {
		last := testEpoch.Add(-time.Hour)
		u.LastLoginIP = ip
		u.LastLoginAt = &last
	}
}

func (h *harness) knowDevice(userID, fingerprint string) {
	h.t.Helper()
	require.NoError(h.t, h.devices.Remember(context.Background(), userID, fingerprint, time.Hour))
}

// enrollMFA runs setup and confirmation, then moves the clock past the
// confirming step so the next code is not a replay
func (h *harness) enrollMFA(userID string) *models.MFASetup {
	h.t.Helper()
	ctx := context.Background()

	setup, err := h.svc.EnrollMFA(ctx, userID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.svc.ConfirmMFA(ctx, userID, h.code(setup.Secret)))

	h.clock.Advance(31 * time.Second)
	return setup
}

func (h *harness) code(secret string) string {
	h.t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totp.ValidateOpts{
		Period:    auth.TOTPPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(h.t, err)
	return code
}

func (h *harness) login(userID string, lc models.LoginContext) (*models.LoginResult, error) {
	return h.svc.Authenticate(context.Background(), userID+"@example.com", testPassword, lc)
}

// challengeContext scores automated UA (40) plus a new device (20): a challenge, not a block
func challengeContext(ip, fingerprint string) models.LoginContext {
	return models.LoginContext{IPAddress: ip, UserAgent: testScriptUA, DeviceFingerprint: fingerprint}
}
