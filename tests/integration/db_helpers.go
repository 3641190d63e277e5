package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/pkg/auth"
)

// TestDB manages the PostgreSQL testcontainer and the pool opened against it
type TestDB struct {
	Container testcontainers.Container
	Config    config.DatabaseConfig
	DB        *database.DB
}

// SetupTestDatabase starts PostgreSQL, applies the embedded migrations and
// opens a pool the same way the server does
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("gatekeeper"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	cfg := config.DatabaseConfig{
		Host:              host,
		Port:              port.Int(),
		User:              "postgres",
		Password:          "postgres",
		Name:              "gatekeeper",
		SSLMode:           "disable",
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   10 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    5 * time.Second,
	}

	if err := database.Migrate(cfg.DSN(), logger); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(&cfg, logger)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &TestDB{Container: container, Config: cfg, DB: db}, nil
}

// Teardown closes the pool and stops the container
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.DB != nil {
		db.DB.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"security_events",
		"mfa_backup_codes",
		"mfa_credentials",
		"sessions",
		"users",
	}

	for _, table := range tables {
		if _, err := db.DB.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// Repositories bundles every repository over one pool
type Repositories struct {
	Users    *repositories.UserRepository
	Sessions *repositories.SessionRepository
	MFA      *repositories.MFARepository
	Events   *repositories.SecurityEventRepository
}

// InitializeRepositories creates all repository instances from the database wrapper
func InitializeRepositories(db *database.DB) Repositories {
	return Repositories{
		Users:    repositories.NewUserRepository(db),
		Sessions: repositories.NewSessionRepository(db),
		MFA:      repositories.NewMFARepository(db),
		Events:   repositories.NewSecurityEventRepository(db),
	}
}

// SeedUser inserts an active account with a hashed password
func SeedUser(ctx context.Context, repo *repositories.UserRepository, hasher *auth.PasswordHasher, email, password, role string) (*models.User, error) {
	hash, err := hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := repo.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Test User",
		Role:         role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}
