package models

import (
	"time"
)

// Account statuses
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is the credential record owned by the credential store adapter
type User struct {
	ID             string
	Email          string // login identifier, stored lower-cased
	PasswordHash   string
	Name           string
	Role           string // e.g., "user", "admin"
	TenantID       string
	Status         string     // "active", "disabled"
	FailedAttempts int        // consecutive failures since the last success
	LockedUntil    *time.Time // temporary lock expiration
	LastLoginIP    string     // empty until the first successful login
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsLocked reports whether the account is locked at the given instant
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// LockState is the result of an atomic failure increment
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}
