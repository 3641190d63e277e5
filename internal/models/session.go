package models

import "time"

// Session statuses
const (
	SessionStatusActive  = "active"
	SessionStatusExpired = "expired"
	SessionStatusRevoked = "revoked"
)

// Revocation reasons
const (
	RevokeReasonLogout          = "logout"
	RevokeReasonLogoutAll       = "logout_all"
	RevokeReasonReplay          = "refresh_token_reuse"
	RevokeReasonAdmin           = "admin"
	RevokeReasonAccountDisabled = "account_disabled"
	RevokeReasonLoginAborted    = "login_aborted"
)

// Session is the durable record of an authenticated client. Rows are never deleted.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	RefreshTokenHash  string     `json:"-"` // hex SHA-256 of the refresh secret
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedReason     *string    `json:"revoked_reason,omitempty"`
}

// IsActive reports whether the session can still be used at the given instant
func (s *Session) IsActive(now time.Time) bool {
	return s.Status == SessionStatusActive && now.Before(s.ExpiresAt)
}

// SessionRotation describes a check-and-replace of a session's refresh hash
type SessionRotation struct {
	SessionID    string
	ExpectedHash string
	NextHash     string
	ExpiresAt    time.Time
	ActivityAt   time.Time
	IPAddress    string
	UserAgent    string
}
