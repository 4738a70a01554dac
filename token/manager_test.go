package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    time.Hour,
		Issuer: "identity-test",
	}
}

func TestNewManagerRejectsShortSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Secret = []byte("short")
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	signed, expiresAt, err := m.Issue("u1", "elevated", 7)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := m.Parse(signed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "elevated" || claims.TokenVersion != 7 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	m, _ := NewManager(testConfig())
	signed, _, err := m.Issue("u1", "standard", 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	parts := strings.Split(signed, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := m.Parse(tampered); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	m, _ := NewManager(testConfig())
	other := testConfig()
	other.Secret = []byte("ffffffffffffffffffffffffffffffff")
	m2, _ := NewManager(other)

	signed, _, err := m.Issue("u1", "standard", 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := m2.Parse(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = time.Millisecond
	cfg.Leeway = 0
	m, _ := NewManager(cfg)

	signed, _, err := m.Issue("u1", "standard", 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Parse(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for expired token, got %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	m, _ := NewManager(testConfig())
	other := testConfig()
	other.Issuer = "someone-else"
	m2, _ := NewManager(other)

	signed, _, err := m2.Issue("u1", "standard", 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := m.Parse(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for wrong issuer, got %v", err)
	}
}
