package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

const (
	tokenTypeAccess = "access"

	refreshSecretBytes = 32
)

// TokenManager mints self-contained access tokens and opaque refresh tokens
type TokenManager struct {
	secret            []byte
	issuer            string
	accessTokenExpiry time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret, issuer string, accessExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:            []byte(secret),
		issuer:            issuer,
		accessTokenExpiry: accessExpiry,
	}
}

// AccessTokenExpiry returns the configured access token lifetime
func (tm *TokenManager) AccessTokenExpiry() time.Duration {
	return tm.accessTokenExpiry
}

// GenerateAccessToken signs a short-lived HS256 token for the identity
func (tm *TokenManager) GenerateAccessToken(id models.Identity, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(tm.accessTokenExpiry)

	claims := &models.TokenClaims{
		Type:      tokenTypeAccess,
		UserID:    id.UserID,
		Role:      id.Role,
		TenantID:  id.TenantID,
		SessionID: id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tm.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateAccessToken verifies signature, issuer, type and expiry as of now.
// It has no side effects.
func (tm *TokenManager) ValidateAccessToken(tokenString string, now time.Time) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		return nil, models.ErrInvalidToken
	}

	if claims.Type != tokenTypeAccess || claims.UserID == "" || claims.SessionID == "" {
		return nil, models.ErrInvalidToken
	}

	return claims, nil
}

// NewRefreshToken returns an opaque token bound to sessionID and the hash to persist.
// The raw token is never stored.
func NewRefreshToken(sessionID string, random io.Reader) (token, hash string, err error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	token = sessionID + "." + base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

// ParseRefreshToken extracts the session ID from a refresh token's shape
func ParseRefreshToken(token string) (string, error) {
	sessionID, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return "", models.ErrInvalidToken
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", models.ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil || len(raw) != refreshSecretBytes {
		return "", models.ErrInvalidToken
	}
	return sessionID, nil
}

// HashRefreshToken is the fingerprint stored in place of the token
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
