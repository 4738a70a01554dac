package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLog(t *testing.T, d *Dispatcher) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLog(client, Config{RedisPrefix: "ta", HistoryLimit: 100}, d), mr
}

func TestRecordSealsHash(t *testing.T) {
	log, _ := newTestLog(t, nil)
	ctx := context.Background()

	sealed, err := log.Record(ctx, Entry{
		UserID:       "u1",
		EventType:    "password_changed",
		FieldChanged: "role",
		OldValue:     "standard",
		NewValue:     "staff",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if sealed.EntryID == "" || sealed.Hash == "" {
		t.Fatal("expected id and hash to be assigned")
	}
	ok, err := VerifyHash(&sealed)
	if err != nil || !ok {
		t.Fatalf("sealed entry should verify, ok=%v err=%v", ok, err)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	log, _ := newTestLog(t, nil)
	ctx := context.Background()

	sealed, err := log.Record(ctx, Entry{
		UserID:       "u1",
		EventType:    "mfa_secret_rotated",
		FieldChanged: "mfaSecret",
		OldValue:     "JBSWY3DPEHPK3PXP",
		NewValue:     "KRSXG5CTMVRXEZLU",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if sealed.OldValue != "[REDACTED]" || sealed.NewValue != "[REDACTED]" {
		t.Fatalf("secret values must be redacted, got %q / %q", sealed.OldValue, sealed.NewValue)
	}
	// The hash covers the redacted form, so verification still passes.
	if ok, _ := VerifyHash(&sealed); !ok {
		t.Fatal("redacted entry should verify")
	}
}

func TestVerifyUserDetectsTampering(t *testing.T) {
	log, _ := newTestLog(t, nil)
	ctx := context.Background()

	first, err := log.Record(ctx, Entry{UserID: "u1", EventType: "login_success"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := log.Record(ctx, Entry{UserID: "u1", EventType: "session_invalidated"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	tampered, err := log.VerifyUser(ctx, "u1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(tampered) != 0 {
		t.Fatalf("fresh trail should verify clean, got %v", tampered)
	}

	// Rewrite the oldest entry in place with altered content.
	entries, err := log.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	entries[0].EventType = "login_failed"
	forged, _ := json.Marshal(&entries[0])
	if err := log.redis.LSet(ctx, log.userKey("u1"), 0, forged).Err(); err != nil {
		t.Fatalf("lset: %v", err)
	}

	tampered, err = log.VerifyUser(ctx, "u1")
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if len(tampered) != 1 || tampered[0] != first.EntryID {
		t.Fatalf("expected entry %s flagged, got %v", first.EntryID, tampered)
	}
}

func TestHistoryBounded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := NewLog(client, Config{RedisPrefix: "ta", HistoryLimit: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Record(ctx, Entry{UserID: "u1", EventType: "login_success"}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	entries, err := log.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected history trimmed to 3, got %d", len(entries))
	}
}

type captureSink struct {
	mu      sync.Mutex
	got     []Entry
	failFor int
	calls   int
}

func (s *captureSink) Anchor(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFor {
		return errors.New("sink down")
	}
	s.got = append(s.got, e)
	return nil
}

func (s *captureSink) entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.got))
	copy(out, s.got)
	return out
}

func TestDispatcherDeliversAfterRetry(t *testing.T) {
	sink := &captureSink{failFor: 2}
	d := NewDispatcher(sink, DispatcherConfig{MaxRetries: 3, RetryDelay: time.Millisecond})

	d.Enqueue(Entry{EntryID: "e1", EventType: "login_success"})
	d.Close()

	got := sink.entries()
	if len(got) != 1 || got[0].EntryID != "e1" {
		t.Fatalf("expected one delivered entry after retries, got %v", got)
	}
	delivered, dropped, failed := d.Stats()
	if delivered != 1 || dropped != 0 || failed != 0 {
		t.Fatalf("unexpected stats: %d/%d/%d", delivered, dropped, failed)
	}
}

func TestDispatcherGivesUpAfterBudget(t *testing.T) {
	sink := &captureSink{failFor: 100}
	d := NewDispatcher(sink, DispatcherConfig{MaxRetries: 2, RetryDelay: time.Millisecond})

	d.Enqueue(Entry{EntryID: "e1"})
	d.Close()

	if len(sink.entries()) != 0 {
		t.Fatal("entry should not have been delivered")
	}
	_, _, failed := d.Stats()
	if failed != 1 {
		t.Fatalf("expected 1 failed delivery, got %d", failed)
	}
}

func TestRecordSurvivesNilDispatcher(t *testing.T) {
	log, _ := newTestLog(t, nil)
	if _, err := log.Record(context.Background(), Entry{UserID: "u1", EventType: "login_success"}); err != nil {
		t.Fatalf("record without dispatcher: %v", err)
	}
}
