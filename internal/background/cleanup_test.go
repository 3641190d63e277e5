package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeExpirer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeExpirer) ExpireStale(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanupManager_RunsImmediatelyAndOnTick(t *testing.T) {
	expirer := &fakeExpirer{}
	cm := NewCleanupManager(expirer, discard(), 10*time.Millisecond)

	go cm.Start(context.Background())

	assert.Eventually(t, func() bool { return expirer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cm.Stop()

	after := expirer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, expirer.calls.Load(), "no passes after Stop returns")
}

func TestCleanupManager_ErrorsDoNotStopTheLoop(t *testing.T) {
	expirer := &fakeExpirer{err: errors.New("database unavailable")}
	cm := NewCleanupManager(expirer, discard(), 10*time.Millisecond)

	go cm.Start(context.Background())

	assert.Eventually(t, func() bool { return expirer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cm.Stop()
}

func TestCleanupManager_ContextCancel(t *testing.T) {
	expirer := &fakeExpirer{}
	cm := NewCleanupManager(expirer, discard(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		cm.Start(ctx)
		close(finished)
	}()

	assert.Eventually(t, func() bool { return expirer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
	cm.Stop()
	cm.Stop()
}

func TestCleanupManager_StopBeforeStart(t *testing.T) {
	cm := NewCleanupManager(&fakeExpirer{}, discard(), time.Hour)

	done := make(chan struct{})
	go func() {
		cm.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}
