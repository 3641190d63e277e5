package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

const sessionColumns = `id, user_id, refresh_token_hash, device_fingerprint, ip_address, user_agent,
	status, created_at, expires_at, last_activity_at, revoked_at, revoked_reason`

// SessionRepository is the durable session registry. Rows are only ever
// updated, never deleted.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session

	err := scanner.Scan(
		&s.ID, &s.UserID, &s.RefreshTokenHash, &s.DeviceFingerprint, &s.IPAddress, &s.UserAgent,
		&s.Status, &s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt, &s.RevokedAt, &s.RevokedReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func scanSessionRows(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return sessions, nil
}

// Create inserts a new active session. The caller supplies the ID so it can
// be embedded in the refresh token before the row exists.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	query := `
		INSERT INTO sessions (id, user_id, refresh_token_hash, device_fingerprint, ip_address, user_agent,
			status, created_at, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $7)
		RETURNING ` + sessionColumns

	return scanSessionRow(r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.RefreshTokenHash, s.DeviceFingerprint, s.IPAddress, s.UserAgent,
		s.CreatedAt, s.ExpiresAt,
	))
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

// CountActive counts sessions that are active and unexpired at now
func (r *SessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND status = 'active' AND expires_at > $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, now).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// ListActive returns the identity's usable sessions, most recently used first
func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY last_activity_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanSessionRows(rows)
}

// Touch bumps last activity on an active session
func (r *SessionRepository) Touch(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND status = 'active' AND expires_at > $2`

	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Rotate replaces the refresh hash only if the row still carries the expected
// one and is usable. Of concurrent callers presenting the same hash exactly
// one gets the row back; the rest get ErrNotFound.
func (r *SessionRepository) Rotate(ctx context.Context, rot models.SessionRotation) (*models.Session, error) {
	query := `
		UPDATE sessions
		SET refresh_token_hash = $3, expires_at = $4, last_activity_at = $5, ip_address = $6, user_agent = $7
		WHERE id = $1 AND refresh_token_hash = $2 AND status = 'active' AND expires_at > $5
		RETURNING ` + sessionColumns

	return scanSessionRow(r.pool.QueryRow(ctx, query,
		rot.SessionID, rot.ExpectedHash, rot.NextHash, rot.ExpiresAt, rot.ActivityAt, rot.IPAddress, rot.UserAgent,
	))
}

// Revoke marks one active session revoked. Revoking an already-terminal
// session reports false without error.
func (r *SessionRepository) Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE sessions SET status = 'revoked', revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND status = 'active'
	`

	result, err := r.pool.Exec(ctx, query, id, now, reason)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RevokeAllForUser revokes every active session of the identity
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE sessions SET status = 'revoked', revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND status = 'active'
	`

	result, err := r.pool.Exec(ctx, query, userID, now, reason)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// IsActive reports whether the session exists and is usable at now
func (r *SessionRepository) IsActive(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1 AND status = 'active' AND expires_at > $2)`

	var active bool
	if err := r.pool.QueryRow(ctx, query, id, now).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, database.MapPostgresError(err)
	}
	return active, nil
}

// ExpireStale flips lapsed active sessions to expired
func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE sessions SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
