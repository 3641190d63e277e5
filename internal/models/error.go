package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
)

// Authentication outcome errors. Callers match these with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrBlocked            = errors.New("login blocked")
	ErrChallengeExpired   = errors.New("challenge expired or already used")
	ErrChallengeInvalid   = errors.New("invalid verification code")
	ErrReplayDetected     = errors.New("refresh token replay detected")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTooManySessions    = errors.New("too many active sessions")
	ErrInfrastructure     = errors.New("infrastructure unavailable")
)

// MFA enrollment errors
var (
	ErrMFANotEnrolled    = errors.New("mfa is not enabled")
	ErrMFAAlreadyEnabled = errors.New("mfa is already enabled")
	ErrMFASetupMissing   = errors.New("no pending mfa setup")
)

// ValidationError reports malformed caller input. The message is safe to surface verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AccountLockedError carries the lock expiry alongside ErrAccountLocked
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is temporarily locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}

// Infra wraps an unexpected store, clock or randomness failure
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrInfrastructure, op, err)
}
