package handlers

// MFA Setup DTOs

// MFASetupResponse is returned once from POST /mfa/setup; none of it can be fetched again
type MFASetupResponse struct {
	Secret          string   `json:"secret"`           // Base32-encoded secret (for manual entry)
	ProvisioningURI string   `json:"provisioning_uri"` // otpauth:// URI
	QRCode          string   `json:"qr_code"`          // PNG data URL
	BackupCodes     []string `json:"backup_codes"`
}

// ConfirmMFARequest activates the pending secret
type ConfirmMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// Disable MFA DTOs

// DisableMFARequest requires a current TOTP or backup code
type DisableMFARequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// Backup code DTOs

// BackupCodesResponse carries freshly generated backup codes
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// MFAStateResponse confirms an enrollment change
type MFAStateResponse struct {
	MFAEnabled bool   `json:"mfa_enabled"`
	Message    string `json:"message"`
}
