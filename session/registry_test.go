package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRegistry(client, Config{RedisPrefix: "ids"})
}

func TestTouchCreatesThenExtends(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	s1, created, err := reg.Touch(ctx, "u1", 1, "203.0.113.7", "agent-a", time.Hour)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !created {
		t.Fatal("expected first touch to create")
	}

	s2, created, err := reg.Touch(ctx, "u1", 1, "203.0.113.7", "agent-a", time.Hour)
	if err != nil {
		t.Fatalf("second Touch failed: %v", err)
	}
	if created {
		t.Fatal("expected second touch to reuse the session")
	}
	if s2.SessionID != s1.SessionID {
		t.Fatalf("session id changed: %s vs %s", s1.SessionID, s2.SessionID)
	}
	if s2.LastActivityAt.Before(s1.LastActivityAt) {
		t.Fatal("activity stamp did not advance")
	}
}

func TestTouchDifferentTokenVersionCreatesNewSession(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	s1, _, _ := reg.Touch(ctx, "u1", 1, "ip", "ua", time.Hour)
	s2, created, err := reg.Touch(ctx, "u1", 2, "ip", "ua", time.Hour)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !created || s2.SessionID == s1.SessionID {
		t.Fatal("expected a distinct session per token version")
	}
}

func TestListActiveAnnotations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, _ = reg.Touch(ctx, "u1", 1, "ip-a", "ua-a", time.Hour)
	_, _, _ = reg.Touch(ctx, "u1", 2, "ip-b", "ua-b", time.Hour)

	views, err := reg.ListActive(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(views))
	}

	current := 0
	for _, v := range views {
		if v.IsCurrentSession {
			current++
		}
		if v.IsExpired {
			t.Fatalf("fresh session marked expired: %+v", v)
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current session, got %d", current)
	}
}

func TestInvalidateIsOwnerScoped(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	s, _, _ := reg.Touch(ctx, "u1", 1, "ip", "ua", time.Hour)

	if err := reg.Invalidate(ctx, "u2", s.SessionID, "manual"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
	if err := reg.Invalidate(ctx, "u1", s.SessionID, "manual"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	views, _ := reg.ListActive(ctx, "u1", 1)
	if len(views) != 0 {
		t.Fatalf("invalidated session still listed: %+v", views)
	}
}

func TestInvalidatedSessionIsRetainedNotDeleted(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	s, _, _ := reg.Touch(ctx, "u1", 1, "ip", "ua", time.Hour)
	_ = reg.Invalidate(ctx, "u1", s.SessionID, "manual")

	got, err := reg.load(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("expected record retained for audit, got %v", err)
	}
	if got.IsActive || got.InvalidationReason != "manual" || got.InvalidatedAt.IsZero() {
		t.Fatalf("unexpected invalidation bookkeeping: %+v", got)
	}
}

func TestInvalidateAllExceptCurrent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, _ = reg.Touch(ctx, "u1", 1, "ip-a", "ua-a", time.Hour)
	_, _, _ = reg.Touch(ctx, "u1", 2, "ip-b", "ua-b", time.Hour)
	_, _, _ = reg.Touch(ctx, "u1", 3, "ip-c", "ua-c", time.Hour)

	count, err := reg.InvalidateAllExceptCurrent(ctx, "u1", 3, "manual_all")
	if err != nil {
		t.Fatalf("InvalidateAllExceptCurrent failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 invalidated, got %d", count)
	}

	views, _ := reg.ListActive(ctx, "u1", 3)
	if len(views) != 1 || !views[0].IsCurrentSession {
		t.Fatalf("expected only the current session to survive: %+v", views)
	}
}

func TestStaleDerivation(t *testing.T) {
	now := time.Now()
	s := &Session{IsActive: true, ExpiresAt: now.Add(time.Minute)}
	if s.Stale(now) {
		t.Fatal("live session reported stale")
	}
	if !s.Stale(now.Add(2 * time.Minute)) {
		t.Fatal("expired session not reported stale")
	}
	s.IsActive = false
	if !s.Stale(now) {
		t.Fatal("inactive session not reported stale")
	}
}
