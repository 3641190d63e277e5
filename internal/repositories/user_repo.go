package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

const userColumns = `id, email, password_hash, name, role, tenant_id, status, failed_attempts,
	locked_until, last_login_ip, last_login_at, created_at, updated_at`

// UserRepository persists credential records
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUserRow populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User

	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name,
		&user.Role, &user.TenantID, &user.Status, &user.FailedAttempts,
		&user.LockedUntil, &user.LastLoginIP, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail looks up a credential record by its normalized identifier
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	if user.Role == "" {
		user.Role = "user"
	}
	if user.Status == "" {
		user.Status = models.UserStatusActive
	}

	query := `
		INSERT INTO users (id, email, password_hash, name, role, tenant_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + userColumns

	return scanUserRow(r.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Name,
		user.Role, user.TenantID, user.Status, user.CreatedAt, user.UpdatedAt,
	))
}

// IncrementFailedAttempts bumps the failure counter in a single statement and
// returns the new value, so concurrent failures never lose an update
func (r *UserRepository) IncrementFailedAttempts(ctx context.Context, id string, now time.Time) (int, error) {
	query := `
		UPDATE users SET failed_attempts = failed_attempts + 1, updated_at = $2
		WHERE id = $1
		RETURNING failed_attempts
	`

	var attempts int
	if err := r.pool.QueryRow(ctx, query, id, now).Scan(&attempts); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return attempts, nil
}

// LockUntil sets the lock expiry. An existing later lock is kept.
func (r *UserRepository) LockUntil(ctx context.Context, id string, until, now time.Time) error {
	query := `
		UPDATE users SET locked_until = GREATEST(COALESCE(locked_until, $2), $2), updated_at = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, until, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RecordSuccess resets lockout state and stamps the last successful login
func (r *UserRepository) RecordSuccess(ctx context.Context, id, ip string, now time.Time) error {
	query := `
		UPDATE users
		SET failed_attempts = 0, locked_until = NULL, last_login_ip = $2, last_login_at = $3, updated_at = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, ip, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetStatus enables or disables an account
func (r *UserRepository) SetStatus(ctx context.Context, id, status string) error {
	query := `UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
