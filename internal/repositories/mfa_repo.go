package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

const mfaColumns = `user_id, secret_encrypted, secret_nonce, pending_secret_encrypted, pending_secret_nonce,
	enabled, enabled_at, last_used_step, created_at, updated_at`

// MFARepository stores TOTP credentials and their backup codes
type MFARepository struct {
	db *database.DB
}

func NewMFARepository(db *database.DB) *MFARepository {
	return &MFARepository{db: db}
}

func scanMFACredentialRow(scanner rowScanner) (*models.MFACredential, error) {
	var c models.MFACredential

	err := scanner.Scan(
		&c.UserID, &c.SecretEncrypted, &c.SecretNonce, &c.PendingSecretEncrypted, &c.PendingSecretNonce,
		&c.Enabled, &c.EnabledAt, &c.LastUsedStep, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &c, nil
}

// Get returns ErrNotFound when the identity never started enrollment
func (r *MFARepository) Get(ctx context.Context, userID string) (*models.MFACredential, error) {
	query := `SELECT ` + mfaColumns + ` FROM mfa_credentials WHERE user_id = $1`
	return scanMFACredentialRow(r.db.Pool.QueryRow(ctx, query, userID))
}

// SavePendingSetup stores an unconfirmed secret and replaces the backup codes.
// Any active secret stays in place until the pending one is confirmed.
func (r *MFARepository) SavePendingSetup(ctx context.Context, userID string, encrypted, nonce []byte, codeHashes []string, now time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO mfa_credentials (user_id, pending_secret_encrypted, pending_secret_nonce, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET pending_secret_encrypted = EXCLUDED.pending_secret_encrypted,
				pending_secret_nonce = EXCLUDED.pending_secret_nonce,
				updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.Exec(ctx, query, userID, encrypted, nonce, now); err != nil {
			return database.MapPostgresError(err)
		}
		return replaceBackupCodes(ctx, tx, userID, codeHashes, now)
	})
}

// Activate promotes the pending secret. step is the 30-second step of the
// confirming code so it cannot be replayed at the next login.
func (r *MFARepository) Activate(ctx context.Context, userID string, step int64, now time.Time) error {
	query := `
		UPDATE mfa_credentials
		SET secret_encrypted = pending_secret_encrypted,
			secret_nonce = pending_secret_nonce,
			pending_secret_encrypted = NULL,
			pending_secret_nonce = NULL,
			enabled = TRUE,
			enabled_at = $3,
			last_used_step = $2,
			updated_at = $3
		WHERE user_id = $1 AND pending_secret_encrypted IS NOT NULL
	`

	result, err := r.db.Pool.Exec(ctx, query, userID, step, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrMFASetupMissing
	}
	return nil
}

// Disable removes the secret and every backup code
func (r *MFARepository) Disable(ctx context.Context, userID string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return database.MapPostgresError(err)
		}
		result, err := tx.Exec(ctx, `DELETE FROM mfa_credentials WHERE user_id = $1`, userID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrMFANotEnrolled
		}
		return nil
	})
}

// AdvanceTOTPStep records step as the last accepted one. It fails (false)
// unless step is newer than the stored value, which makes each code single-use.
func (r *MFARepository) AdvanceTOTPStep(ctx context.Context, userID string, step int64, now time.Time) (bool, error) {
	query := `
		UPDATE mfa_credentials SET last_used_step = $2, updated_at = $3
		WHERE user_id = $1 AND enabled AND (last_used_step IS NULL OR last_used_step < $2)
	`

	result, err := r.db.Pool.Exec(ctx, query, userID, step, now)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// ReplaceBackupCodes swaps the whole backup code set
func (r *MFARepository) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string, now time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return replaceBackupCodes(ctx, tx, userID, codeHashes, now)
	})
}

// ConsumeBackupCode marks a matching unused code as used in one statement.
// Two concurrent submissions of the same code cannot both succeed.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	query := `
		UPDATE mfa_backup_codes SET used_at = $3
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
	`

	result, err := r.db.Pool.Exec(ctx, query, userID, codeHash, now)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *MFARepository) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1 AND used_at IS NULL`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

func replaceBackupCodes(ctx context.Context, tx pgx.Tx, userID string, codeHashes []string, now time.Time) error {
	if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return database.MapPostgresError(err)
	}

	batch := &pgx.Batch{}
	for _, h := range codeHashes {
		batch.Queue(`INSERT INTO mfa_backup_codes (user_id, code_hash, created_at) VALUES ($1, $2, $3)`, userID, h, now)
	}

	results := tx.SendBatch(ctx, batch)
	for range codeHashes {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return database.MapPostgresError(err)
		}
	}
	return database.MapPostgresError(results.Close())
}
