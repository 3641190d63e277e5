package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, models.ErrConflict},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, models.ErrBadRequest},
		{"not null violation", &pgconn.PgError{Code: "23502"}, models.ErrBadRequest},
		{"deadline", context.DeadlineExceeded, models.ErrInfrastructure},
		{"unknown pg error", &pgconn.PgError{Code: "57P01"}, models.ErrInfrastructure},
		{"connection refused", errors.New("dial tcp: connection refused"), models.ErrInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, MapPostgresError(tt.in), tt.want)
		})
	}

	assert.NoError(t, MapPostgresError(nil))
}

func TestBuildPoolConfig(t *testing.T) {
	base := config.DatabaseConfig{
		Host:              "db.internal",
		Port:              5432,
		User:              "gatekeeper",
		Password:          "secret",
		Name:              "gatekeeper",
		SSLMode:           "disable",
		MaxConns:          12,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    3 * time.Second,
	}

	t.Run("applies pool and dial settings", func(t *testing.T) {
		cfg := base
		pc, err := buildPoolConfig(&cfg)
		require.NoError(t, err)

		assert.Equal(t, int32(12), pc.MaxConns)
		assert.Equal(t, int32(2), pc.MinConns)
		assert.Equal(t, time.Hour, pc.MaxConnLifetime)
		assert.Equal(t, 5*time.Minute, pc.MaxConnIdleTime)
		assert.Equal(t, time.Minute, pc.HealthCheckPeriod)
		assert.Equal(t, 3*time.Second, pc.ConnConfig.ConnectTimeout)
		assert.Equal(t, "db.internal", pc.ConnConfig.Host)
		assert.Equal(t, "gatekeeper", pc.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("missing connect timeout falls back", func(t *testing.T) {
		cfg := base
		cfg.ConnectTimeout = 0
		pc, err := buildPoolConfig(&cfg)
		require.NoError(t, err)
		assert.Equal(t, defaultConnectTimeout, pc.ConnConfig.ConnectTimeout)
	})

	t.Run("health check not faster than a dial", func(t *testing.T) {
		cfg := base
		cfg.HealthCheckPeriod = time.Second
		cfg.ConnectTimeout = 10 * time.Second
		pc, err := buildPoolConfig(&cfg)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, pc.HealthCheckPeriod)
	})

	t.Run("bad dsn", func(t *testing.T) {
		cfg := base
		cfg.Port = -1
		cfg.SSLMode = "bogus"
		_, err := buildPoolConfig(&cfg)
		assert.Error(t, err)
	})
}
