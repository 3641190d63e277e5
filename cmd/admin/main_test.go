package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
)

type fixture struct {
	users    *services.UserService
	sessions *services.SessionService
	repo     *services.FakeCredentialRepository
	sessRepo *services.FakeSessionRepository
	badIPs   *stores.BadIPStore
	events   *services.RecordingEventSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hasher, err := pkgauth.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		repo:     services.NewFakeCredentialRepository(),
		sessRepo: services.NewFakeSessionRepository(),
		badIPs:   stores.NewBadIPStore(cache.Wrap(client, "admin-test", logger)),
		events:   &services.RecordingEventSink{},
	}
	f.sessions = services.NewSessionService(f.sessRepo, 24*time.Hour, time.Second, nil, logger)
	f.users = services.NewUserService(f.repo, hasher, f.sessions, f.badIPs, f.events, time.Second, logger)
	return f
}

func (f *fixture) run(t *testing.T, command string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := dispatch(context.Background(), f.users, f.sessions, command, args, &out)
	return out.String(), err
}

// ============================================================================
// Accounts
// ============================================================================

func TestDispatch_CreateUser(t *testing.T) {
	f := newFixture(t)
	t.Setenv(passwordEnv, "Tr1cky-Harbour-Lantern")

	out, err := f.run(t, "create-user", "-email", "ops@example.com", "-name", "Ops", "-role", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "ops@example.com")

	_, err = f.run(t, "create-user", "-email", "OPS@example.com")
	assert.EqualError(t, err, "an account with that email already exists")
}

func TestDispatch_CreateUserNeedsPassword(t *testing.T) {
	f := newFixture(t)
	t.Setenv(passwordEnv, "")

	_, err := f.run(t, "create-user", "-email", "ops@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), passwordEnv)
}

func TestDispatch_CreateUserWeakPassword(t *testing.T) {
	f := newFixture(t)
	t.Setenv(passwordEnv, "password")

	_, err := f.run(t, "create-user", "-email", "ops@example.com")
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}

func TestDispatch_DisableAndEnable(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(&models.User{ID: "u1", Email: "u1@example.com", Status: models.UserStatusActive})
	_, err := f.sessions.Create(context.Background(), "s1", "u1", "hash", models.LoginContext{IPAddress: "198.51.100.1"})
	require.NoError(t, err)

	out, err := f.run(t, "disable-user", "-id", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked 1 sessions")
	assert.Equal(t, models.UserStatusDisabled, f.repo.Snapshot("u1").Status)
	assert.Equal(t, models.SessionStatusRevoked, f.sessRepo.Snapshot("s1").Status)

	_, err = f.run(t, "enable-user", "-id", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusActive, f.repo.Snapshot("u1").Status)
	assert.Equal(t, []string{models.EventAccountDisabled, models.EventAccountEnabled}, f.events.Kinds())
}

func TestDispatch_UnknownUser(t *testing.T) {
	f := newFixture(t)

	for _, command := range []string{"disable-user", "enable-user", "revoke-sessions"} {
		t.Run(command, func(t *testing.T) {
			_, err := f.run(t, command, "-id", "ghost")
			assert.EqualError(t, err, "no such user")
		})
	}
}

func TestDispatch_RevokeSessions(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(&models.User{ID: "u1", Email: "u1@example.com", Status: models.UserStatusActive})
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		_, err := f.sessions.Create(ctx, id, "u1", "hash-"+id, models.LoginContext{IPAddress: "198.51.100.1"})
		require.NoError(t, err)
	}

	out, err := f.run(t, "revoke-sessions", "-id", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked 2 sessions")
	assert.Equal(t, models.RevokeReasonAdmin, *f.sessRepo.Snapshot("s2").RevokedReason)
}

func TestDispatch_SessionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.sessions.Create(ctx, "s1", "u1", "hash-s1", models.LoginContext{})
	require.NoError(t, err)

	out, err := f.run(t, "session-status", "-id", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session s1 is active")
	// looking does not count as activity
	assert.Equal(t, created.LastActivityAt, f.sessRepo.Snapshot("s1").LastActivityAt)

	_, err = f.sessions.Revoke(ctx, "s1", models.RevokeReasonAdmin)
	require.NoError(t, err)
	out, err = f.run(t, "session-status", "-id", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session s1 is inactive")
}

// ============================================================================
// IP blocklist
// ============================================================================

func TestDispatch_BlockAndUnblockIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.run(t, "block-ip", "203.0.113.7", "2001:db8::1")
	require.NoError(t, err)
	assert.Contains(t, out, "blocked 2 addresses")

	found, err := f.badIPs.Contains(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.True(t, found)

	_, err = f.run(t, "unblock-ip", "2001:db8::1")
	require.NoError(t, err)
	found, err = f.badIPs.Contains(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDispatch_BlockIPRejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "block-ip", "not-an-ip")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.run(t, "block-ip")
	assert.ErrorAs(t, err, &verr)
}

func TestDispatch_UnknownCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "drop-tables")
	assert.Error(t, err)
	assert.Contains(t, out, "usage: admin")
}
