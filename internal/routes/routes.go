package routes

import (
	"log/slog"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/middleware"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups everything RegisterRoutes mounts
type Handlers struct {
	Auth           *handlers.AuthHandler
	MFA            *handlers.MFAHandler
	Admin          *handlers.AdminHandler
	SecurityEvents *handlers.SecurityEventHandler
	Health         *handlers.HealthHandler
}

// Limits are the per-minute request budgets
type Limits struct {
	AuthPerMinute int
	APIPerMinute  int
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	verifier auth.IdentityVerifier,
	ipConfig *pkghttp.IPConfig,
	limits Limits,
	logger *slog.Logger,
) {
	authLimit := middleware.RateLimitByIP(middleware.RateLimitConfig{
		RequestsPerMinute: limits.AuthPerMinute,
		IPConfig:          ipConfig,
	})
	apiLimit := middleware.RateLimitByIdentity(middleware.RateLimitConfig{
		RequestsPerMinute: limits.APIPerMinute,
		IPConfig:          ipConfig,
	})

	router.Get("/health", h.Health.Health)

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(authLimit)
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/challenge", h.Auth.CompleteChallenge)
		r.Post("/auth/challenge/cancel", h.Auth.CancelChallenge)
		r.Post("/auth/refresh", h.Auth.Refresh)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(verifier, logger))
		r.Use(middleware.CaptureIdentity)
		r.Use(apiLimit)

		r.Post("/auth/logout", h.Auth.Logout)

		r.Get("/sessions", h.Auth.ListSessions)
		r.Delete("/sessions/{id}", h.Auth.RevokeSession)
		r.Post("/sessions/revoke-all", h.Auth.LogoutAll)

		r.Get("/mfa/status", h.MFA.Status)
		r.Post("/mfa/setup", h.MFA.Setup)
		r.Post("/mfa/confirm", h.MFA.Confirm)
		r.Post("/mfa/disable", h.MFA.Disable)
		r.Post("/mfa/backup-codes", h.MFA.RegenerateBackupCodes)

		r.Get("/security/events", h.SecurityEvents.ListOwn)

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole("admin"))
			r.Post("/users", h.Admin.CreateUser)
			r.Get("/users/{id}", h.Admin.GetUser)
			r.Post("/users/{id}/disable", h.Admin.DisableUser)
			r.Post("/users/{id}/enable", h.Admin.EnableUser)
			r.Post("/users/{id}/revoke-sessions", h.Admin.RevokeUserSessions)
			r.Get("/users/{id}/security-events", h.SecurityEvents.ListForUser)
			r.Post("/blocked-ips", h.Admin.BlockIP)
			r.Delete("/blocked-ips", h.Admin.UnblockIP)
		})
	})
}
