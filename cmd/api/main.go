package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/background"
	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		pkglogger.RedactedAttr("database_host", cfg.Database.Host, cfg.Server.Env),
		pkglogger.RedactedAttr("redis_addr", cfg.Redis.Addr, cfg.Server.Env),
	)

	if cfg.MFA.InsecureTestMode {
		logger.Warn("MFA insecure test mode is enabled; a fixed code passes every second-factor check")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Schema first: goose runs over database/sql, the service over pgxpool
	if cfg.Server.MigrateOnStart {
		if err := database.Migrate(cfg.Database.DSN(), logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	redisCache, err := cache.NewConnection(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	// Initialize repositories and signal stores
	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	mfaRepo := repositories.NewMFARepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)

	badIPs := stores.NewBadIPStore(redisCache)
	devices := stores.NewDeviceStore(redisCache)
	locations := stores.NewLocationStore(redisCache)
	counter := stores.NewRedisRateCounter(redisCache)
	challenges := stores.NewChallengeStore(redisCache)

	hasher, err := pkgauth.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}
	totpManager, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.Issuer, nil)
	if err != nil {
		return fmt.Errorf("totp manager: %w", err)
	}
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})

	// Security event sink: asynchronous, closed last so shutdown events are kept
	auditLogger := pkglogger.NewAuditLogger(logger)
	events := services.NewSecurityEventLogger(eventRepo, auditLogger, cfg.Auth.SecurityEventBuffer, cfg.Auth.StoreTimeout, nil, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := events.Close(ctx); err != nil {
			logger.Warn("security event flush incomplete", slog.Any("error", err))
		}
		stats := events.Stats()
		logger.Info("security event logger closed",
			slog.Uint64("recorded", stats.Recorded),
			slog.Uint64("written", stats.Written),
			slog.Uint64("dropped", stats.Dropped),
			slog.Uint64("failed", stats.Failed))
	}()

	// Initialize services
	timeout := cfg.Auth.StoreTimeout
	credentialService := services.NewCredentialService(userRepo, hasher, cfg.Lockout, timeout, nil, logger)
	riskAssessor := services.NewRiskAssessor(cfg.Risk, devices, locations, badIPs, counter, timeout, nil, logger)
	mfaService := services.NewMFAService(mfaRepo, totpManager, cfg.MFA, cfg.Server.Env, timeout, nil, logger)
	sessionService := services.NewSessionService(sessionRepo, cfg.Auth.RefreshTokenExpiry, timeout, nil, logger)
	tokenService := services.NewTokenService(tokenManager, sessionService, credentialService, nil, nil, logger)
	userService := services.NewUserService(userRepo, hasher, sessionService, badIPs, events, timeout, logger)

	authService := services.NewAuthService(services.AuthServiceConfig{
		ChallengeTTL:          cfg.MFA.ChallengeTTL,
		ChallengeMaxAttempts:  cfg.MFA.ChallengeMaxAttempts,
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		StoreTimeout:          timeout,
	}, services.AuthServiceDeps{
		Credentials: credentialService,
		Risk:        riskAssessor,
		MFA:         mfaService,
		Challenges:  challenges,
		Tokens:      tokenService,
		Sessions:    sessionService,
		Events:      events,
		Timing:      timingDelay,
		Logger:      logger,
	})

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userService, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := routes.Handlers{
		Auth:           handlers.NewAuthHandler(authService, ipConfig, logger),
		MFA:            handlers.NewMFAHandler(authService, logger),
		Admin:          handlers.NewAdminHandler(userService, authService, logger),
		SecurityEvents: handlers.NewSecurityEventHandler(events, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthChecker{
			"database": db,
			"redis":    redisCache,
		}, 2*time.Second, logger),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	routes.RegisterRoutes(router, h, authService, ipConfig, routes.Limits{
		AuthPerMinute: cfg.Server.AuthRateLimitPerMinute,
		APIPerMinute:  cfg.Server.APIRateLimitPerMinute,
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start session maintenance
	cleanupManager := background.NewCleanupManager(sessionService, logger, cfg.Auth.SessionCleanupInterval)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go cleanupManager.Start(cleanupCtx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		cleanupCancel()
		cleanupManager.Stop()
		return err
	case <-sigChan:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	cleanupCancel()
	cleanupManager.Stop()
	return nil
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, users *services.UserService, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := users.CreateUser(ctx, services.NewUser{
		Email:    adminEmail,
		Password: adminPassword,
		Name:     "Admin",
		Role:     "admin",
	})
	if errors.Is(err, models.ErrConflict) {
		logger.Info("admin user already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully", slog.String("email", pkglogger.SanitizedEmail(adminEmail)))
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
