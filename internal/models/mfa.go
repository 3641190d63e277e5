package models

import (
	"time"
)

// Second-factor methods
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
	MFAMethodBypass     = "insecure_test_bypass"
)

// MFACredential is the enrolled (or pending) TOTP secret of one identity
type MFACredential struct {
	UserID                 string
	SecretEncrypted        []byte // AES-256-GCM encrypted TOTP secret, nil until enabled
	SecretNonce            []byte
	PendingSecretEncrypted []byte // unconfirmed secret from the last setup
	PendingSecretNonce     []byte
	Enabled                bool
	EnabledAt              *time.Time
	LastUsedStep           *int64 // last accepted 30-second step, for replay prevention
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasPendingSetup reports whether a setup awaits confirmation
func (c *MFACredential) HasPendingSetup() bool {
	return len(c.PendingSecretEncrypted) > 0
}

// BackupCode is a single-use recovery code; only its hash is stored
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// MFASetup is returned once from enrollment; nothing here is retrievable later
type MFASetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"` // PNG data URL
	BackupCodes     []string `json:"backup_codes"`
}

// MFAVerification is the tagged outcome of checking a submitted second factor
type MFAVerification struct {
	Valid                bool
	Method               string
	RemainingBackupCodes *int
}

// MFAStatus represents the MFA status for a user
type MFAStatus struct {
	Enabled              bool       `json:"enabled"`
	EnabledAt            *time.Time `json:"enabled_at,omitempty"`
	RemainingBackupCodes int        `json:"remaining_backup_codes"`
}
