package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UnknownIdentity is recorded for pre-authentication failures
const UnknownIdentity = "unknown"

// Security event kinds
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailed        = "login_failed"
	EventLoginBlocked       = "login_blocked"
	EventAccountLocked      = "account_locked"
	EventChallengeIssued    = "mfa_challenge_issued"
	EventChallengeFailed    = "mfa_challenge_failed"
	EventChallengeExpired   = "mfa_challenge_expired"
	EventChallengeCancelled = "mfa_challenge_cancelled"
	EventTokenRefreshed     = "token_refreshed"
	EventRefreshReplay      = "refresh_token_replay"
	EventSessionRevoked     = "session_revoked"
	EventSessionsRevokedAll = "sessions_revoked_all"
	EventSessionLimit       = "session_limit_reached"
	EventMFASetup           = "mfa_setup"
	EventMFAEnabled         = "mfa_enabled"
	EventMFADisabled        = "mfa_disabled"
	EventBackupCodesRotated = "mfa_backup_codes_regenerated"
	EventBackupCodeUsed     = "mfa_backup_code_used"
	EventAccountDisabled    = "account_disabled"
	EventAccountEnabled     = "account_enabled"
)

// SecurityEvent is an append-only record of an authentication-relevant outcome
type SecurityEvent struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Kind      string        `json:"kind"`
	IPAddress string        `json:"ip_address,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Location  string        `json:"location,omitempty"`
	Metadata  EventMetadata `json:"metadata,omitempty"`
	RiskLevel string        `json:"risk_level,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// EventMetadata holds free-form context for security events
type EventMetadata map[string]string

// Scan implements sql.Scanner for JSONB
func (m *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(EventMetadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*m = EventMetadata(decoded)
	return nil
}

// Value implements driver.Valuer for JSONB
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}
