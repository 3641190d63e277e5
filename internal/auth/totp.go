package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// TOTPPeriod is the standard 30-second step
	TOTPPeriod = 30
	// TOTPSkew is the number of steps accepted either side of now
	TOTPSkew = 1

	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	backupCodeLength  = 8
)

// TOTPManager handles TOTP generation, encryption, and validation
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string // Issuer name for TOTP QR codes
	random        io.Reader
}

// TOTPSetup is a freshly generated secret, both in the clear (shown to the user once) and sealed for storage
type TOTPSetup struct {
	Secret          string
	ProvisioningURI string
	QRCode          string // PNG data URL
	Encrypted       []byte
	Nonce           []byte
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes for AES-256. A nil random falls back to crypto/rand.
func NewTOTPManager(encryptionKey []byte, issuer string, random io.Reader) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	if random == nil {
		random = rand.Reader
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		random:        random,
	}, nil
}

// GenerateSetup creates a secret for accountName along with its QR code and sealed form
func (tm *TOTPManager) GenerateSetup(accountName string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  32, // 256 bits
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        tm.random,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Encrypted:       encrypted,
		Nonce:           nonce,
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secretBytes []byte) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(tm.random, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secretBytes, nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encryptedBytes, nonce []byte) ([]byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("failed to decrypt secret: nonce must be %d bytes", gcm.NonceSize())
	}

	plaintext, err := gcm.Open(nil, nonce, encryptedBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// TOTPStep returns the 30-second step containing t
func TOTPStep(t time.Time) int64 {
	return t.Unix() / TOTPPeriod
}

// MatchTOTP checks code against the steps around now and returns the step it
// belongs to. All candidate steps are always compared.
func (tm *TOTPManager) MatchTOTP(secret, code string, now time.Time) (int64, bool, error) {
	if !IsTOTPCode(code) {
		return 0, false, nil
	}

	opts := totp.ValidateOpts{
		Period:    TOTPPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	current := TOTPStep(now)
	var matched int64
	found := false
	for offset := int64(-TOTPSkew); offset <= TOTPSkew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*TOTPPeriod, 0).UTC(), opts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to compute TOTP: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			matched = step
			found = true
		}
	}

	return matched, found, nil
}

// IsTOTPCode reports whether s has the shape of a six-digit code
func IsTOTPCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// GenerateBackupCodes generates count random codes formatted as XXXX-XXXX.
// Ambiguous characters (0/O, 1/I/L) are excluded.
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, error) {
	// largest multiple of the charset size that fits in a byte; higher bytes are rejected to avoid modulo bias
	limit := byte(256 / len(backupCodeCharset) * len(backupCodeCharset))

	codes := make([]string, count)
	buf := make([]byte, 1)
	for i := 0; i < count; i++ {
		code := make([]byte, 0, backupCodeLength)
		for len(code) < backupCodeLength {
			if _, err := io.ReadFull(tm.random, buf); err != nil {
				return nil, fmt.Errorf("failed to generate random byte: %w", err)
			}
			if buf[0] >= limit {
				continue
			}
			code = append(code, backupCodeCharset[int(buf[0])%len(backupCodeCharset)])
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}

	return codes, nil
}

// NormalizeBackupCode upper-cases a submitted code and strips separators
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// LooksLikeBackupCode reports whether the normalized code could be a backup code
func LooksLikeBackupCode(code string) bool {
	normalized := NormalizeBackupCode(code)
	if len(normalized) != backupCodeLength {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if !strings.ContainsRune(backupCodeCharset, rune(normalized[i])) {
			return false
		}
	}
	return true
}

// HashBackupCode returns the hex SHA-256 of the normalized code
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}
