package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// TestServer wraps httptest.Server with a real database, an in-memory redis
// and every service wired the way cmd/api wires them
type TestServer struct {
	Server *httptest.Server
	Redis  *miniredis.Miniredis
	Config *config.Config
	Repos  Repositories
	Hasher *pkgauth.PasswordHasher
	Users  *services.UserService
	Events *services.SecurityEventLogger
}

// TestConfig returns settings tuned for deterministic flows: no off-hours
// weight, no timing delay, and a low second-factor threshold so an unknown
// device alone triggers a challenge
func TestConfig() *config.Config {
	risk := config.DefaultRiskConfig()
	risk.OffHoursWeight = 0
	risk.SuspiciousThreshold = 20
	risk.HighRiskThreshold = 90

	return &config.Config{
		Server: config.ServerConfig{
			Env:                    "test",
			AuthRateLimitPerMinute: 1000,
			APIRateLimitPerMinute:  1000,
		},
		Auth: config.AuthConfig{
			JWTSecret:          "integration-secret-with-at-least-32-bytes",
			JWTIssuer:          "gatekeeper-test",
			AccessTokenExpiry:  15 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
			StoreTimeout:       5 * time.Second,
			BcryptCost:         bcrypt.MinCost,
		},
		Lockout: config.LockoutConfig{
			Threshold:   5,
			Duration:    15 * time.Minute,
			MaxDuration: time.Hour,
		},
		Risk:    risk,
		Session: config.SessionConfig{MaxConcurrentSessions: 5},
		MFA: config.MFAConfig{
			EncryptionKey:        bytes.Repeat([]byte{0x42}, 32),
			Issuer:               "GatekeeperTest",
			BackupCodeCount:      8,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 3,
		},
	}
}

// NewTestServer builds the full HTTP surface over db
func NewTestServer(db *database.DB, cfg *config.Config) (*TestServer, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	redisCache := cache.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "it", logger)

	repos := InitializeRepositories(db)
	hasher, err := pkgauth.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		mr.Close()
		return nil, err
	}
	totpManager, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.Issuer, nil)
	if err != nil {
		mr.Close()
		return nil, err
	}
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{})

	timeout := cfg.Auth.StoreTimeout
	events := services.NewSecurityEventLogger(repos.Events, pkglogger.NewAuditLogger(logger), 64, timeout, nil, logger)
	badIPs := stores.NewBadIPStore(redisCache)

	credentials := services.NewCredentialService(repos.Users, hasher, cfg.Lockout, timeout, nil, logger)
	risk := services.NewRiskAssessor(cfg.Risk,
		stores.NewDeviceStore(redisCache),
		stores.NewLocationStore(redisCache),
		badIPs,
		stores.NewRedisRateCounter(redisCache),
		timeout, nil, logger)
	mfa := services.NewMFAService(repos.MFA, totpManager, cfg.MFA, cfg.Server.Env, timeout, nil, logger)
	sessions := services.NewSessionService(repos.Sessions, cfg.Auth.RefreshTokenExpiry, timeout, nil, logger)
	tokens := services.NewTokenService(tokenManager, sessions, credentials, nil, nil, logger)
	users := services.NewUserService(repos.Users, hasher, sessions, badIPs, events, timeout, logger)

	authService := services.NewAuthService(services.AuthServiceConfig{
		ChallengeTTL:          cfg.MFA.ChallengeTTL,
		ChallengeMaxAttempts:  cfg.MFA.ChallengeMaxAttempts,
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		StoreTimeout:          timeout,
	}, services.AuthServiceDeps{
		Credentials: credentials,
		Risk:        risk,
		MFA:         mfa,
		Challenges:  stores.NewChallengeStore(redisCache),
		Tokens:      tokens,
		Sessions:    sessions,
		Events:      events,
		Timing:      timingDelay,
		Logger:      logger,
	})

	ipConfig := &pkghttp.IPConfig{}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)

	routes.RegisterRoutes(r, routes.Handlers{
		Auth:           handlers.NewAuthHandler(authService, ipConfig, logger),
		MFA:            handlers.NewMFAHandler(authService, logger),
		Admin:          handlers.NewAdminHandler(users, authService, logger),
		SecurityEvents: handlers.NewSecurityEventHandler(events, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthChecker{
			"database": db,
			"redis":    redisCache,
		}, time.Second, logger),
	}, authService, ipConfig, routes.Limits{
		AuthPerMinute: cfg.Server.AuthRateLimitPerMinute,
		APIPerMinute:  cfg.Server.APIRateLimitPerMinute,
	}, logger)

	return &TestServer{
		Server: httptest.NewServer(r),
		Redis:  mr,
		Config: cfg,
		Repos:  repos,
		Hasher: hasher,
		Users:  users,
		Events: events,
	}, nil
}

// Close shuts down the test server and flushes pending security events
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
	if ts.Events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Events.Close(ctx)
	}
	if ts.Redis != nil {
		ts.Redis.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", BrowserUserAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	return ts.Request(method, path, body, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorCode extracts the machine-readable code from an error response
func GetErrorCode(resp *http.Response) (string, error) {
	var errResp pkghttp.ErrorResponse
	if err := ParseJSONResponse(resp, &errResp); err != nil {
		return "", err
	}
	return errResp.Error, nil
}
