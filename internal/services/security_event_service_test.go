package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

func closeLogger(t *testing.T, l *SecurityEventLogger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
}

func TestSecurityEventLogger_PersistsEverythingBeforeClose(t *testing.T) {
	store := &MockSecurityEventStore{}
	clock := NewFakeClock(testEpoch)
	l := NewSecurityEventLogger(store, nil, 16, time.Second, clock.Now, discardLogger())

	l.Record(models.SecurityEvent{Kind: models.EventLoginFailed})
	l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u1"})
	l.Record(models.SecurityEvent{Kind: models.EventTokenRefreshed, UserID: "u1", ID: "fixed-id"})
	closeLogger(t, l)

	events := store.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.UnknownIdentity, events[0].UserID)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, testEpoch, events[0].CreatedAt)
	assert.Equal(t, "fixed-id", events[2].ID)

	assert.Equal(t, SecurityEventStats{Recorded: 3, Written: 3}, l.Stats())
}

func TestSecurityEventLogger_DropsWhenBufferFull(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	store := &MockSecurityEventStore{
		InsertFunc: func(ctx context.Context, e *models.SecurityEvent) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}
	l := NewSecurityEventLogger(store, nil, 1, 0, nil, discardLogger())

	l.Record(models.SecurityEvent{Kind: models.EventLoginFailed, UserID: "u1"})
	<-started // the writer holds the first event
	l.Record(models.SecurityEvent{Kind: models.EventLoginFailed, UserID: "u2"})
	l.Record(models.SecurityEvent{Kind: models.EventLoginFailed, UserID: "u3"})

	close(release)
	closeLogger(t, l)

	assert.Equal(t, SecurityEventStats{Recorded: 3, Written: 2, Dropped: 1}, l.Stats())
	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "u2", events[1].UserID)
}

func TestSecurityEventLogger_CountsFailedWrites(t *testing.T) {
	store := &MockSecurityEventStore{
		InsertFunc: func(ctx context.Context, e *models.SecurityEvent) error {
			return errors.New("relation does not exist")
		},
	}
	l := NewSecurityEventLogger(store, nil, 4, time.Second, nil, discardLogger())

	l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u1"})
	closeLogger(t, l)

	assert.Equal(t, SecurityEventStats{Recorded: 1, Failed: 1}, l.Stats())
	assert.Empty(t, store.Events())
}

func TestSecurityEventLogger_RecordAfterCloseIsDropped(t *testing.T) {
	store := &MockSecurityEventStore{}
	l := NewSecurityEventLogger(store, nil, 4, time.Second, nil, discardLogger())
	closeLogger(t, l)

	assert.NotPanics(t, func() {
		l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u1"})
	})
	assert.Equal(t, SecurityEventStats{Recorded: 1, Dropped: 1}, l.Stats())

	// closing twice is harmless
	closeLogger(t, l)
}

func TestSecurityEventLogger_CloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	store := &MockSecurityEventStore{
		InsertFunc: func(ctx context.Context, e *models.SecurityEvent) error {
			<-release
			return nil
		},
	}
	l := NewSecurityEventLogger(store, nil, 4, 0, nil, discardLogger())
	l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

func TestSecurityEventLogger_MirrorsToAuditLog(t *testing.T) {
	var buf bytes.Buffer
	audit := pkglogger.NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l := NewSecurityEventLogger(&MockSecurityEventStore{}, audit, 4, time.Second, nil, discardLogger())
	defer closeLogger(t, l)

	l.Record(models.SecurityEvent{
		Kind:      models.EventLoginBlocked,
		UserID:    "u2",
		IPAddress: "203.0.113.2",
		RiskLevel: models.RiskLevelHigh,
		Metadata:  models.EventMetadata{"reason": "high_risk", "risk_score": "75"},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "auth", line["audit_type"])
	assert.Equal(t, models.EventLoginBlocked, line["event_type"])
	assert.Equal(t, false, line["success"])
	assert.Equal(t, "high_risk", line["failure_reason"])
	assert.Equal(t, "75", line["risk_score"])
	assert.NotContains(t, line, "reason")
	assert.Equal(t, "WARN", line["level"])
}

func TestSecurityEventLogger_MirrorsAccountActions(t *testing.T) {
	var buf bytes.Buffer
	audit := pkglogger.NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l := NewSecurityEventLogger(&MockSecurityEventStore{}, audit, 4, time.Second, nil, discardLogger())
	defer closeLogger(t, l)

	l.Record(models.SecurityEvent{Kind: models.EventMFAEnabled, UserID: "u1"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "account", line["audit_type"])
	assert.Equal(t, true, line["success"])
}

func TestSecurityEventLogger_Recent(t *testing.T) {
	store := &MockSecurityEventStore{}
	l := NewSecurityEventLogger(store, nil, 8, time.Second, nil, discardLogger())

	l.Record(models.SecurityEvent{Kind: models.EventLoginFailed, UserID: "u1"})
	l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u1"})
	l.Record(models.SecurityEvent{Kind: models.EventLoginSuccess, UserID: "u2"})
	closeLogger(t, l)

	events, err := l.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLoginSuccess, events[0].Kind)
	assert.Equal(t, models.EventLoginFailed, events[1].Kind)
}
