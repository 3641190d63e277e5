// Command admin applies operator actions against the credential store and
// risk signal stores without going through the HTTP surface.
//
// Usage:
//
//	admin create-user -email a@b.c -name "Ada" [-role admin]   (password from GATEKEEPER_PASSWORD)
//	admin disable-user -id <uuid>
//	admin enable-user -id <uuid>
//	admin revoke-sessions -id <uuid>
//	admin block-ip 203.0.113.7 [...]
//	admin unblock-ip 203.0.113.7 [...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

const passwordEnv = "GATEKEEPER_PASSWORD"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "admin %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: admin <create-user|disable-user|enable-user|revoke-sessions|session-status|block-ip|unblock-ip> [flags]")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, command string, args []string, out io.Writer) error {
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	redisCache, err := cache.NewConnection(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	hasher, err := pkgauth.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	timeout := cfg.Auth.StoreTimeout
	events := services.NewSecurityEventLogger(
		repositories.NewSecurityEventRepository(db),
		pkglogger.NewAuditLogger(logger),
		cfg.Auth.SecurityEventBuffer, timeout, nil, logger,
	)
	defer func() {
		if err := events.Close(ctx); err != nil {
			logger.Warn("security event flush incomplete", slog.Any("error", err))
		}
	}()

	sessions := services.NewSessionService(repositories.NewSessionRepository(db), cfg.Auth.RefreshTokenExpiry, timeout, nil, logger)
	users := services.NewUserService(
		repositories.NewUserRepository(db),
		hasher,
		sessions,
		stores.NewBadIPStore(redisCache),
		events,
		timeout,
		logger,
	)

	return dispatch(ctx, users, sessions, command, args, out)
}

// dispatch runs one operator command
func dispatch(ctx context.Context, users *services.UserService, sessions *services.SessionService, command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(out)

	switch command {
	case "create-user":
		email := fs.String("email", "", "login email")
		name := fs.String("name", "", "display name")
		role := fs.String("role", "user", "user or admin")
		tenant := fs.String("tenant", "", "tenant id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		password := os.Getenv(passwordEnv)
		if password == "" {
			return fmt.Errorf("%s must hold the new account's password", passwordEnv)
		}
		user, err := users.CreateUser(ctx, services.NewUser{
			Email:    *email,
			Password: password,
			Name:     *name,
			Role:     *role,
			TenantID: *tenant,
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "created user %s (%s)\n", user.ID, user.Email)

	case "disable-user":
		id := fs.String("id", "", "user id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		n, err := users.DisableUser(ctx, *id)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "disabled user %s, revoked %d sessions\n", *id, n)

	case "enable-user":
		id := fs.String("id", "", "user id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := users.EnableUser(ctx, *id); err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "enabled user %s\n", *id)

	case "revoke-sessions":
		id := fs.String("id", "", "user id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if _, err := users.GetUser(ctx, *id); err != nil {
			return describe(err)
		}
		n, err := sessions.RevokeAll(ctx, *id, models.RevokeReasonAdmin)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "revoked %d sessions for user %s\n", n, *id)

	case "session-status":
		id := fs.String("id", "", "session id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		active, err := sessions.IsActive(ctx, *id)
		if err != nil {
			return describe(err)
		}
		state := "inactive"
		if active {
			state = "active"
		}
		fmt.Fprintf(out, "session %s is %s\n", *id, state)

	case "block-ip", "unblock-ip":
		if err := fs.Parse(args); err != nil {
			return err
		}
		ips := fs.Args()
		op := users.BlockIP
		verb := "blocked"
		if command == "unblock-ip" {
			op = users.UnblockIP
			verb = "unblocked"
		}
		if err := op(ctx, ips...); err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "%s %d addresses\n", verb, len(ips))

	default:
		usage(out)
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// describe turns service errors into operator-readable messages
func describe(err error) error {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr
	case errors.Is(err, models.ErrNotFound):
		return errors.New("no such user")
	case errors.Is(err, models.ErrConflict):
		return errors.New("an account with that email already exists")
	default:
		return err
	}
}
