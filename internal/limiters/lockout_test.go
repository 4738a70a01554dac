package limiters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) (*LockoutTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLockoutTracker(client, LockoutConfig{
		Enabled:   true,
		Threshold: 5,
		Window:    15 * time.Minute,
	}), mr
}

func TestLockoutEngagesAtThreshold(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		state, err := tracker.RecordFailure(ctx, "u1")
		if err != nil {
			t.Fatalf("RecordFailure %d failed: %v", i, err)
		}
		if state.Locked {
			t.Fatalf("locked after %d attempts", i)
		}
	}

	state, err := tracker.RecordFailure(ctx, "u1")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !state.Locked || state.Attempts != 5 {
		t.Fatalf("expected lock at 5 attempts, got %+v", state)
	}
	if mins := state.RemainingMinutes(time.Now()); mins <= 0 || mins > 15 {
		t.Fatalf("unexpected remaining minutes %d", mins)
	}
}

func TestStatusReflectsActiveLock(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tracker.RecordFailure(ctx, "u1"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	state, err := tracker.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !state.Locked {
		t.Fatal("expected locked status")
	}
}

func TestFurtherFailuresDoNotExtendLock(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tracker.RecordFailure(ctx, "u1"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	first, _ := tracker.Status(ctx, "u1")

	if _, err := tracker.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	second, _ := tracker.Status(ctx, "u1")
	if !second.LockedUntil.Equal(first.LockedUntil) {
		t.Fatalf("lock extended from %v to %v", first.LockedUntil, second.LockedUntil)
	}
}

func TestConcurrentFailuresLoseNoUpdates(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tracker.RecordFailure(ctx, "u1")
		}()
	}
	wg.Wait()

	state, err := tracker.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", state.Attempts)
	}
}

func TestClearResetsCounterAndLock(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = tracker.RecordFailure(ctx, "u1")
	}
	if err := tracker.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	state, err := tracker.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state.Locked || state.Attempts != 0 {
		t.Fatalf("expected clean state, got %+v", state)
	}
}

func TestExpiredLockClearsLazilyOnRead(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = tracker.RecordFailure(ctx, "u1")
	}

	// Rewind the stored boundary instead of sleeping out the window.
	mr.HSet("alo:u1", "lockuntil", "1")

	state, err := tracker.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state.Locked || state.Attempts != 0 {
		t.Fatalf("expected lazy clear, got %+v", state)
	}
}

func TestDisabledTrackerIsInert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tracker := NewLockoutTracker(client, LockoutConfig{Enabled: false})

	state, err := tracker.RecordFailure(context.Background(), "u1")
	if err != nil || state.Locked || state.Attempts != 0 {
		t.Fatalf("expected inert tracker, got %+v err=%v", state, err)
	}
}
