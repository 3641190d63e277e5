package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// IdentityContextKey is the key for storing the verified identity in context
	IdentityContextKey contextKey = "identity"
)

// IdentityVerifier checks a bearer token and the liveness of the session it is bound to
type IdentityVerifier interface {
	ValidateAccessToken(token string) (*models.Identity, error)
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
}

// AuthMiddleware validates the bearer access token and injects the identity into context.
// The session check fails closed: if liveness cannot be determined the request is refused.
func AuthMiddleware(verifier IdentityVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "missing or malformed authorization header")
				return
			}

			identity, err := verifier.ValidateAccessToken(token)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			active, err := verifier.IsSessionActive(r.Context(), identity.SessionID)
			if err != nil {
				logger.Error("session liveness check failed",
					slog.String("session_id", identity.SessionID),
					slog.String("error", err.Error()))
				pkghttp.WriteServiceUnavailable(w, "unable to verify session")
				return
			}
			if !active {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole rejects requests whose token does not carry the given role.
// Must be mounted after AuthMiddleware.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentityFromContext(r)
			if identity == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}
			if identity.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentityFromContext extracts the verified identity from request context
func GetIdentityFromContext(r *http.Request) *models.Identity {
	identity, ok := r.Context().Value(IdentityContextKey).(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}

// WithIdentity returns a copy of ctx carrying identity
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
