package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// SecurityEventStore is the append-only event table
type SecurityEventStore interface {
	Insert(ctx context.Context, e *models.SecurityEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// EventRecorder accepts security events without blocking the caller
type EventRecorder interface {
	Record(e models.SecurityEvent)
}

// SecurityEventStats counts what happened to recorded events
type SecurityEventStats struct {
	Recorded uint64 `json:"recorded"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// SecurityEventLogger mirrors every event to the audit log immediately and
// persists it from a background worker. A full buffer drops the event and a
// failed write is counted; neither reaches the caller.
type SecurityEventLogger struct {
	store        SecurityEventStore
	audit        *pkglogger.AuditLogger
	logger       *slog.Logger
	writeTimeout time.Duration
	now          Clock

	mu     sync.RWMutex
	closed bool
	queue  chan *models.SecurityEvent
	done   chan struct{}

	recorded atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// NewSecurityEventLogger starts the writer goroutine. Call Close to drain it.
func NewSecurityEventLogger(store SecurityEventStore, audit *pkglogger.AuditLogger, bufferSize int, writeTimeout time.Duration, now Clock, logger *slog.Logger) *SecurityEventLogger {
	if bufferSize < 1 {
		bufferSize = 1
	}
	l := &SecurityEventLogger{
		store:        store,
		audit:        audit,
		logger:       logger,
		writeTimeout: writeTimeout,
		now:          now.orSystem(),
		queue:        make(chan *models.SecurityEvent, bufferSize),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Record stamps and enqueues an event
func (l *SecurityEventLogger) Record(e models.SecurityEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.UserID == "" {
		e.UserID = models.UnknownIdentity
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	l.recorded.Add(1)
	l.mirror(&e)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- &e:
	default:
		l.dropped.Add(1)
		l.logger.Error("security event dropped, buffer full",
			slog.String("kind", e.Kind),
			slog.String("user_id", e.UserID))
	}
}

func (l *SecurityEventLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		l.write(e)
	}
}

func (l *SecurityEventLogger) write(e *models.SecurityEvent) {
	ctx, cancel := withTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.store.Insert(ctx, e); err != nil {
		l.failed.Add(1)
		l.logger.Error("failed to persist security event",
			slog.String("kind", e.Kind),
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()))
		return
	}
	l.written.Add(1)
}

// Close stops accepting events and waits for the queue to drain or ctx to end
func (l *SecurityEventLogger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SecurityEventLogger) Stats() SecurityEventStats {
	return SecurityEventStats{
		Recorded: l.recorded.Load(),
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
	}
}

// Recent returns the identity's latest events, newest first
func (l *SecurityEventLogger) Recent(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	ctx, cancel := withTimeout(ctx, l.writeTimeout)
	defer cancel()

	events, err := l.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, models.Infra("list security events", err)
	}
	return events, nil
}

var successfulEvents = map[string]bool{
	models.EventLoginSuccess:       true,
	models.EventChallengeIssued:    true,
	models.EventTokenRefreshed:     true,
	models.EventSessionRevoked:     true,
	models.EventSessionsRevokedAll: true,
	models.EventBackupCodeUsed:     true,
}

var accountEvents = map[string]bool{
	models.EventMFASetup:           true,
	models.EventMFAEnabled:         true,
	models.EventMFADisabled:        true,
	models.EventBackupCodesRotated: true,
	models.EventAccountDisabled:    true,
	models.EventAccountEnabled:     true,
}

func (l *SecurityEventLogger) mirror(e *models.SecurityEvent) {
	if l.audit == nil {
		return
	}
	metadata := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		if k != "reason" {
			metadata[k] = v
		}
	}
	ae := pkglogger.AuditEvent{
		EventType:     e.Kind,
		UserID:        e.UserID,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Location:      e.Location,
		RiskLevel:     e.RiskLevel,
		Success:       successfulEvents[e.Kind],
		FailureReason: e.Metadata["reason"],
		Metadata:      metadata,
		Timestamp:     e.CreatedAt,
	}
	if accountEvents[e.Kind] {
		l.audit.LogAccountAction(ae)
		return
	}
	l.audit.LogAuthAttempt(ae)
}
