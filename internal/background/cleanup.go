package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionExpirer marks sessions whose expiry has passed as expired
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// CleanupManager periodically moves lapsed sessions to the expired status.
// Rows are never deleted.
type CleanupManager struct {
	sessions SessionExpirer
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	sessions SessionExpirer,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		sessions: sessions,
		logger:   logger,
		interval: interval,
		timeout:  30 * time.Second,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic cleanup task and blocks until stopped
func (cm *CleanupManager) Start(ctx context.Context) {
	if !cm.started.CompareAndSwap(false, true) {
		return
	}
	defer close(cm.done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup expires lapsed sessions
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, cm.timeout)
	defer cancel()

	n, err := cm.sessions.ExpireStale(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to expire stale sessions", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		cm.logger.Info("stale sessions expired", slog.Int64("sessions", n))
	}
}

// Stop signals the cleanup manager to stop and waits for the running pass to finish.
// Safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
	if cm.started.Load() {
		<-cm.done
	}
}
