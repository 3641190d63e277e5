package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are carried by self-contained access tokens
type TokenClaims struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Identity is what a verified access token asserts about its bearer
type Identity struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id"`
}

// TokenPair is returned whenever a session is established or refreshed
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"` // access token expiry
	SessionID    string    `json:"session_id"`
}

// Coordinates is a point on the globe in decimal degrees
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LoginContext describes the client behind a request
type LoginContext struct {
	IPAddress         string       `json:"ip_address"`
	UserAgent         string       `json:"user_agent"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Coordinates       *Coordinates `json:"coordinates,omitempty"`
	Country           string       `json:"country,omitempty"`
	City              string       `json:"city,omitempty"`
}

// Location renders the coarse location for logging, empty when unknown
func (c LoginContext) Location() string {
	switch {
	case c.City != "" && c.Country != "":
		return c.City + ", " + c.Country
	case c.Country != "":
		return c.Country
	default:
		return ""
	}
}

// Login outcome statuses
const (
	LoginStatusAuthenticated = "authenticated"
	LoginStatusChallenge     = "challenge"
	LoginStatusBlocked       = "blocked"
	LoginStatusInvalid       = "invalid"
	LoginStatusExpired       = "expired"
)

// RiskSummary is the client-safe view of a risk assessment (never the score)
type RiskSummary struct {
	Level                string `json:"level"`
	RequiresSecondFactor bool   `json:"requires_second_factor"`
}

// LoginResult is the tagged outcome of an authenticate call
type LoginResult struct {
	Status          string       `json:"status"`
	ChallengeHandle string       `json:"challenge_handle,omitempty"`
	ChallengeExpiry *time.Time   `json:"challenge_expires_at,omitempty"`
	Tokens          *TokenPair   `json:"tokens,omitempty"`
	Risk            *RiskSummary `json:"risk,omitempty"`
}

// ChallengeResult is the tagged outcome of completing a second-factor challenge
type ChallengeResult struct {
	Status               string     `json:"status"`
	Tokens               *TokenPair `json:"tokens,omitempty"`
	RemainingBackupCodes *int       `json:"remaining_backup_codes,omitempty"`
}

// Err maps a non-success status onto the error taxonomy
func (r *LoginResult) Err() error {
	if r != nil && r.Status == LoginStatusBlocked {
		return ErrBlocked
	}
	return nil
}

// Err maps a non-success status onto the error taxonomy
func (r *ChallengeResult) Err() error {
	if r == nil {
		return nil
	}
	switch r.Status {
	case LoginStatusInvalid:
		return ErrChallengeInvalid
	case LoginStatusExpired:
		return ErrChallengeExpired
	}
	return nil
}
