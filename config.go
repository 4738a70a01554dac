package identity

import (
	"errors"
	"time"
)

// Config is the full engine configuration. Sections are validated together at
// Build time; zero values fall back to the documented defaults.
type Config struct {
	Token      TokenConfig
	Password   PasswordConfig
	Lockout    LockoutConfig
	TOTP       TOTPConfig
	WebAuthn   WebAuthnConfig
	Pairing    PairingConfig
	OTP        OTPConfig
	Session    SessionConfig
	MFADisable MFADisableConfig
	Audit      AuditConfig
	Monitor    MonitorConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls session token issuance. Signing is symmetric (HS256)
// so verification stays a single HMAC plus one point read of tokenVersion.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig carries argon2id cost parameters and the strength policy bounds.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	MinLength    int
	MaxLength    int
	HistoryDepth int
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the failed-verification lockout tracker.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// TOTPConfig carries the authenticator-track parameters.
type TOTPConfig struct {
	Issuer string
	Digits int
	Period int
	Skew   int
}

// WebAuthnConfig identifies the relying party and bounds challenge lifetime.
type WebAuthnConfig struct {
	RPID         string
	RPName       string
	RPOrigins    []string
	ChallengeTTL time.Duration
}

// PairingConfig controls cross-device pairing sessions. BaseURL is embedded in
// the QR payload so the secondary device can reach the relying party.
type PairingConfig struct {
	TTL     time.Duration
	BaseURL string
}

// OTPConfig controls the emailed one-time-code fallback factor. MaxAttempts is
// an independent per-code budget, deliberately separate from the account
// lockout counter.
type OTPConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
}

// MFADisableConfig controls the scheduled, undoable disable flow.
type MFADisableConfig struct {
	Delay time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session registry. Registry entries are
// bookkeeping over concrete devices; they are flagged stale, never deleted.
type SessionConfig struct {
	RedisPrefix string
	StandardTTL time.Duration
	ElevatedTTL time.Duration
}

// TTLForRole returns the role-dependent session lifetime.
func (c SessionConfig) TTLForRole(role Role) time.Duration {
	if role.Elevated() {
		return c.ElevatedTTL
	}
	return c.StandardTTL
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the hash-chained log and the anchoring dispatcher.
// Persistence of entries is synchronous; anchoring is fire-and-forget with
// bounded retry and must never fail the triggering operation.
type AuditConfig struct {
	RedisPrefix  string
	HistoryLimit int64

	AnchorEnabled    bool
	AnchorBufferSize int
	AnchorRetryLimit int
	AnchorRetryDelay time.Duration
}

/*
====================================
MONITOR CONFIG
====================================
*/

// MonitorConfig controls the security/error monitor thresholds.
type MonitorConfig struct {
	Enabled                   bool
	FailedLoginAlertThreshold int
	RateLimitAlertThreshold   int
	MaxStoredSuspicious       int
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			TTL:    60 * time.Minute,
			Issuer: "identity",
			Leeway: 30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:       64 * 1024,
			Time:         3,
			Parallelism:  2,
			SaltLength:   16,
			KeyLength:    32,
			MinLength:    12,
			MaxLength:    200,
			HistoryDepth: 5,
		},
		Lockout: LockoutConfig{
			Enabled:   true,
			Threshold: 5,
			Window:    15 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer: "PermitDesk",
			Digits: 6,
			Period: 30,
			Skew:   1,
		},
		WebAuthn: WebAuthnConfig{
			RPID:         "localhost",
			RPName:       "PermitDesk",
			RPOrigins:    []string{"http://localhost:5173"},
			ChallengeTTL: 5 * time.Minute,
		},
		Pairing: PairingConfig{
			TTL:     5 * time.Minute,
			BaseURL: "http://localhost:5173",
		},
		OTP: OTPConfig{
			Digits:      6,
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
		},
		Session: SessionConfig{
			RedisPrefix: "ids",
			StandardTTL: 60 * time.Minute,
			ElevatedTTL: 10 * time.Minute,
		},
		MFADisable: MFADisableConfig{
			Delay: 24 * time.Hour,
		},
		Audit: AuditConfig{
			RedisPrefix:      "idaudit",
			HistoryLimit:     10000,
			AnchorEnabled:    false,
			AnchorBufferSize: 256,
			AnchorRetryLimit: 3,
			AnchorRetryDelay: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:                   true,
			FailedLoginAlertThreshold: 5,
			RateLimitAlertThreshold:   10,
			MaxStoredSuspicious:       1000,
		},
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Token.Secret) < 32 {
		return errors.New("token secret must be at least 32 bytes")
	}
	if cfg.Token.TTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if cfg.Password.MinLength < 8 || cfg.Password.MaxLength < cfg.Password.MinLength {
		return errors.New("invalid password length bounds")
	}
	if cfg.Password.HistoryDepth < 1 {
		return errors.New("password history depth must be >= 1")
	}
	if cfg.Lockout.Enabled {
		if cfg.Lockout.Threshold < 1 {
			return errors.New("lockout threshold must be >= 1")
		}
		if cfg.Lockout.Window <= 0 {
			return errors.New("lockout window must be positive")
		}
	}
	if cfg.TOTP.Digits != 6 && cfg.TOTP.Digits != 8 {
		return errors.New("totp digits must be 6 or 8")
	}
	if cfg.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if cfg.WebAuthn.RPID == "" || len(cfg.WebAuthn.RPOrigins) == 0 {
		return errors.New("webauthn relying party id and origins are required")
	}
	if cfg.WebAuthn.ChallengeTTL <= 0 {
		return errors.New("webauthn challenge TTL must be positive")
	}
	if cfg.Pairing.TTL <= 0 {
		return errors.New("pairing TTL must be positive")
	}
	if cfg.OTP.Digits < 6 || cfg.OTP.Digits > 10 {
		return errors.New("otp digits must be between 6 and 10")
	}
	if cfg.OTP.MaxAttempts < 1 {
		return errors.New("otp max attempts must be >= 1")
	}
	if cfg.Session.StandardTTL <= 0 || cfg.Session.ElevatedTTL <= 0 {
		return errors.New("session TTLs must be positive")
	}
	if cfg.MFADisable.Delay <= 0 {
		return errors.New("mfa disable delay must be positive")
	}
	return nil
}
