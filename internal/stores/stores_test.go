package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestChallengeStoreTakeIsSingleUse(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewChallengeStore(client, "")
	ctx := context.Background()

	if err := store.Save(ctx, "register", "u@example.gov", []byte("state"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := store.Take(ctx, "register", "u@example.gov")
	if err != nil || string(data) != "state" {
		t.Fatalf("Take failed: data=%q err=%v", data, err)
	}

	if _, err := store.Take(ctx, "register", "u@example.gov"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on second take, got %v", err)
	}
}

func TestChallengeStoreExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewChallengeStore(client, "")
	ctx := context.Background()

	if err := store.Save(ctx, "authenticate", "u@example.gov", []byte("state"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Take(ctx, "authenticate", "u@example.gov"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after expiry, got %v", err)
	}
}

func TestPairingLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewPairingStore(client, "")
	ctx := context.Background()

	session := &PairingSession{Email: "u@example.gov", Type: "authenticate", CreatedAt: time.Now()}
	if err := store.Create(ctx, "p1", session, time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != PairingPending || got.Terminal() {
		t.Fatalf("expected pending session, got %+v", got)
	}

	if err := store.Resolve(ctx, "p1", PairingAuthenticated, "u1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Terminal state is idempotently readable.
	for i := 0; i < 3; i++ {
		got, err = store.Get(ctx, "p1")
		if err != nil {
			t.Fatalf("Get after resolve failed: %v", err)
		}
		if got.Status != PairingAuthenticated || got.UserID != "u1" {
			t.Fatalf("unexpected resolved session %+v", got)
		}
	}
}

func TestPairingSecondResolveRejected(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewPairingStore(client, "")
	ctx := context.Background()

	if err := store.Create(ctx, "p1", &PairingSession{Type: "register", CreatedAt: time.Now()}, time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Resolve(ctx, "p1", PairingRegistered, "u1"); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if err := store.Resolve(ctx, "p1", PairingAuthenticated, "u2"); !errors.Is(err, ErrPairingResolved) {
		t.Fatalf("expected ErrPairingResolved, got %v", err)
	}

	got, _ := store.Get(ctx, "p1")
	if got.Status != PairingRegistered || got.UserID != "u1" {
		t.Fatalf("loser corrupted terminal state: %+v", got)
	}
}

func TestPairingConcurrentResolveSingleWinner(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewPairingStore(client, "")
	ctx := context.Background()

	if err := store.Create(ctx, "p1", &PairingSession{Type: "authenticate", CreatedAt: time.Now()}, time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.Resolve(ctx, "p1", PairingAuthenticated, "winner"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestPairingUnknownSession(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewPairingStore(client, "")

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("expected ErrPairingNotFound, got %v", err)
	}
	if err := store.Resolve(context.Background(), "missing", PairingAuthenticated, "u1"); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("expected ErrPairingNotFound, got %v", err)
	}
}

func TestPairingExpiresWithTTL(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewPairingStore(client, "")
	ctx := context.Background()

	if err := store.Create(ctx, "p1", &PairingSession{Type: "authenticate", CreatedAt: time.Now()}, time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "p1"); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("expected ErrPairingNotFound after TTL, got %v", err)
	}
}

func TestOTPRedeemMatch(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewOTPStore(client, "", 5)
	ctx := context.Background()

	if err := store.Save(ctx, "login", "u1", "123456", time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Redeem(ctx, "login", "u1", "123456"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	// Consumed: a second redeem finds nothing.
	if err := store.Redeem(ctx, "login", "u1", "123456"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound, got %v", err)
	}
}

func TestOTPBudgetExhaustion(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewOTPStore(client, "", 3)
	ctx := context.Background()

	if err := store.Save(ctx, "login", "u1", "123456", time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.Redeem(ctx, "login", "u1", "000000"); !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("attempt %d: expected ErrOTPMismatch, got %v", i, err)
		}
	}
	if err := store.Redeem(ctx, "login", "u1", "000000"); !errors.Is(err, ErrOTPAttemptsExceeded) {
		t.Fatalf("expected ErrOTPAttemptsExceeded, got %v", err)
	}
	// Budget spent: even the right code is gone now.
	if err := store.Redeem(ctx, "login", "u1", "123456"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound after exhaustion, got %v", err)
	}
}

func TestOTPPurposeIsolation(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewOTPStore(client, "", 5)
	ctx := context.Background()

	if err := store.Save(ctx, "login", "u1", "123456", time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// The same account's code is invisible to a different purpose.
	if err := store.Redeem(ctx, "mfa-disable", "u1", "123456"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound across purposes, got %v", err)
	}
	// And the original purpose still redeems it.
	if err := store.Redeem(ctx, "login", "u1", "123456"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
}

func TestOTPExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewOTPStore(client, "", 5)
	ctx := context.Background()

	if err := store.Save(ctx, "login", "u1", "123456", time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if err := store.Redeem(ctx, "login", "u1", "123456"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound after expiry, got %v", err)
	}
}
