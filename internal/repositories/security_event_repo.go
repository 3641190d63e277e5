package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// SecurityEventRepository is the append-only security event table
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool}
}

func scanSecurityEventRow(scanner rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent

	err := scanner.Scan(
		&e.ID, &e.UserID, &e.Kind, &e.IPAddress, &e.UserAgent, &e.Location,
		&e.Metadata, &e.RiskLevel, &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func (r *SecurityEventRepository) Insert(ctx context.Context, e *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (id, user_id, kind, ip_address, user_agent, location, metadata, risk_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.Kind, e.IPAddress, e.UserAgent, e.Location, e.Metadata, e.RiskLevel, e.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// ListByUser returns the identity's most recent events
func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, user_id, kind, ip_address, user_agent, location, metadata, risk_level, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return events, nil
}
