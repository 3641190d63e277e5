package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestCredentialService_LockDuration(t *testing.T) {
	progressive := config.LockoutConfig{Threshold: 5, Duration: 15 * time.Minute, MaxDuration: 24 * time.Hour, Progressive: true}
	flat := progressive
	flat.Progressive = false

	tests := []struct {
		name     string
		lockout  config.LockoutConfig
		attempts int
		want     time.Duration
	}{
		{"below threshold", progressive, 4, 0},
		{"at threshold", progressive, 5, 15 * time.Minute},
		{"between multiples", progressive, 7, 0},
		{"second multiple doubles", progressive, 10, 30 * time.Minute},
		{"third multiple", progressive, 15, time.Hour},
		{"capped", progressive, 40, 24 * time.Hour},
		{"flat second multiple", flat, 10, 15 * time.Minute},
		{"disabled", config.LockoutConfig{}, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewCredentialService(NewFakeCredentialRepository(), nil, tt.lockout, time.Second, nil, discardLogger())
			assert.Equal(t, tt.want, svc.lockDuration(tt.attempts))
		})
	}
}

func TestCredentialService_Verify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser("active")
	h.addUser("disabled", func(u *models.User) { u.Status = models.UserStatusDisabled })
	until := testEpoch.Add(time.Minute)
	h.addUser("locked", func(u *models.User) { u.LockedUntil = &until })
	past := testEpoch.Add(-time.Minute)
	h.addUser("lapsed", func(u *models.User) { u.LockedUntil = &past })

	tests := []struct {
		identifier string
		secret     string
		want       CredentialCheck
		valid      bool
	}{
		{"active@example.com", testPassword, CredentialCheck{Found: true, SecretMatches: true}, true},
		{" ACTIVE@example.com ", testPassword, CredentialCheck{Found: true, SecretMatches: true}, true},
		{"active@example.com", "wrong", CredentialCheck{Found: true}, false},
		{"nobody@example.com", testPassword, CredentialCheck{}, false},
		{"disabled@example.com", testPassword, CredentialCheck{Found: true, SecretMatches: true, Disabled: true}, false},
		{"locked@example.com", testPassword, CredentialCheck{Found: true, SecretMatches: true, Locked: true}, false},
		{"lapsed@example.com", testPassword, CredentialCheck{Found: true, SecretMatches: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			check, err := h.credentialSvc.Verify(ctx, tt.identifier, tt.secret)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Found, check.Found)
			assert.Equal(t, tt.want.SecretMatches, check.SecretMatches)
			assert.Equal(t, tt.want.Disabled, check.Disabled)
			assert.Equal(t, tt.want.Locked, check.Locked)
			assert.Equal(t, tt.valid, check.Valid())
			if check.Locked {
				require.NotNil(t, check.LockUntil)
				assert.True(t, check.LockUntil.Equal(until))
			}
		})
	}
}

func TestCredentialService_RecordFailureLocksAtThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser("u1")

	for i := 1; i < 5; i++ {
		state, err := h.credentialSvc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, state.FailedAttempts)
		assert.Nil(t, state.LockedUntil)
	}

	state, err := h.credentialSvc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, testEpoch.Add(15*time.Minute), *state.LockedUntil)
	assert.Equal(t, testEpoch.Add(15*time.Minute), *h.users.Snapshot("u1").LockedUntil)
}

func TestCredentialService_RecordSuccessResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	until := testEpoch.Add(time.Minute)
	h.addUser("u1", func(u *models.User) {
		u.FailedAttempts = 3
		u.LockedUntil = &until
	})

	require.NoError(t, h.credentialSvc.RecordSuccess(ctx, "u1", "198.51.100.7"))

	stored := h.users.Snapshot("u1")
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
	assert.Equal(t, "198.51.100.7", stored.LastLoginIP)
}

func TestCredentialService_StoreErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser("u1")
	h.users.Err = errors.New("too many connections")

	_, err := h.credentialSvc.Verify(ctx, "u1@example.com", testPassword)
	assert.ErrorIs(t, err, models.ErrInfrastructure)

	_, err = h.credentialSvc.Lookup(ctx, "u1")
	assert.ErrorIs(t, err, models.ErrInfrastructure)

	_, err = h.credentialSvc.RecordFailure(ctx, "u1")
	assert.ErrorIs(t, err, models.ErrInfrastructure)

	assert.ErrorIs(t, h.credentialSvc.RecordSuccess(ctx, "u1", "198.51.100.1"), models.ErrInfrastructure)
}

func TestCredentialService_LookupMissing(t *testing.T) {
	h := newHarness(t)

	_, err := h.credentialSvc.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NotErrorIs(t, err, models.ErrInfrastructure)
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeIdentifier("  Alice@Example.COM\t"))
}
