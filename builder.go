package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/permitdesk/identity/audit"
	"github.com/permitdesk/identity/internal/limiters"
	"github.com/permitdesk/identity/internal/stores"
	"github.com/permitdesk/identity/password"
	"github.com/permitdesk/identity/session"
	"github.com/permitdesk/identity/token"
)

// Builder assembles an Engine. Redis and a UserProvider are mandatory; the
// notifier and anchoring sink are optional (without a notifier the emailed
// one-time-code fallback is unavailable).
type Builder struct {
	cfg      Config
	cfgSet   bool
	redis    redis.UniversalClient
	users    UserProvider
	notifier Notifier
	anchor   audit.AnchorSink
}

// NewBuilder starts with the documented defaults.
func NewBuilder() *Builder { return &Builder{} }

// WithConfig replaces the full configuration. Zero-valued sections keep their
// defaults at Build time.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// WithRedis sets the operational store backing lockouts, challenges, pairing
// sessions, one-time codes, device sessions and the audit trail.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider connects the engine to the credential store.
func (b *Builder) WithUserProvider(p UserProvider) *Builder {
	b.users = p
	return b
}

// WithNotifier enables the emailed one-time-code fallback factor.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAnchorSink enables best-effort forwarding of sealed audit entries to an
// external archive.
func (b *Builder) WithAnchorSink(s audit.AnchorSink) *Builder {
	b.anchor = s
	return b
}

func mergeDefaults(cfg Config) Config {
	def := defaultConfig()
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = def.Token.TTL
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = def.Token.Issuer
	}
	if cfg.Token.Leeway == 0 {
		cfg.Token.Leeway = def.Token.Leeway
	}
	if cfg.Password.Memory == 0 {
		cfg.Password = def.Password
	}
	if cfg.Password.MinLength == 0 {
		cfg.Password.MinLength = def.Password.MinLength
	}
	if cfg.Password.MaxLength == 0 {
		cfg.Password.MaxLength = def.Password.MaxLength
	}
	if cfg.Password.HistoryDepth == 0 {
		cfg.Password.HistoryDepth = def.Password.HistoryDepth
	}
	if cfg.Lockout.Threshold == 0 {
		cfg.Lockout = def.Lockout
	}
	if cfg.TOTP.Digits == 0 {
		cfg.TOTP = def.TOTP
	}
	if cfg.WebAuthn.RPID == "" {
		cfg.WebAuthn = def.WebAuthn
	}
	if cfg.WebAuthn.ChallengeTTL == 0 {
		cfg.WebAuthn.ChallengeTTL = def.WebAuthn.ChallengeTTL
	}
	if cfg.Pairing.TTL == 0 {
		cfg.Pairing.TTL = def.Pairing.TTL
	}
	if cfg.Pairing.BaseURL == "" {
		cfg.Pairing.BaseURL = def.Pairing.BaseURL
	}
	if cfg.OTP.Digits == 0 {
		cfg.OTP = def.OTP
	}
	if cfg.Session.RedisPrefix == "" {
		cfg.Session.RedisPrefix = def.Session.RedisPrefix
	}
	if cfg.Session.StandardTTL == 0 {
		cfg.Session.StandardTTL = def.Session.StandardTTL
	}
	if cfg.Session.ElevatedTTL == 0 {
		cfg.Session.ElevatedTTL = def.Session.ElevatedTTL
	}
	if cfg.MFADisable.Delay == 0 {
		cfg.MFADisable.Delay = def.MFADisable.Delay
	}
	if cfg.Audit.RedisPrefix == "" {
		cfg.Audit.RedisPrefix = def.Audit.RedisPrefix
	}
	if cfg.Audit.HistoryLimit == 0 {
		cfg.Audit.HistoryLimit = def.Audit.HistoryLimit
	}
	if cfg.Audit.AnchorBufferSize == 0 {
		cfg.Audit.AnchorBufferSize = def.Audit.AnchorBufferSize
	}
	if cfg.Audit.AnchorRetryLimit == 0 {
		cfg.Audit.AnchorRetryLimit = def.Audit.AnchorRetryLimit
	}
	if cfg.Audit.AnchorRetryDelay == 0 {
		cfg.Audit.AnchorRetryDelay = def.Audit.AnchorRetryDelay
	}
	if cfg.Monitor.FailedLoginAlertThreshold == 0 {
		cfg.Monitor = def.Monitor
	}
	return cfg
}

// Build validates configuration and wires the engine together.
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, errors.New("identity: redis client is required")
	}
	if b.users == nil {
		return nil, errors.New("identity: user provider is required")
	}
	cfg := b.cfg
	if !b.cfgSet {
		cfg = Config{}
	}
	cfg = mergeDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	tokens, err := token.NewManager(token.Config{
		Secret: cfg.Token.Secret,
		TTL:    cfg.Token.TTL,
		Issuer: cfg.Token.Issuer,
		Leeway: cfg.Token.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: webauthn: %w", err)
	}

	var dispatcher *audit.Dispatcher
	if cfg.Audit.AnchorEnabled && b.anchor != nil {
		dispatcher = audit.NewDispatcher(b.anchor, audit.DispatcherConfig{
			Buffer:     cfg.Audit.AnchorBufferSize,
			MaxRetries: cfg.Audit.AnchorRetryLimit,
			RetryDelay: cfg.Audit.AnchorRetryDelay,
		})
	}
	auditLog := audit.NewLog(b.redis, audit.Config{
		RedisPrefix:  cfg.Audit.RedisPrefix,
		HistoryLimit: cfg.Audit.HistoryLimit,
	}, dispatcher)

	e := &Engine{
		cfg:      cfg,
		users:    b.users,
		notifier: b.notifier,
		redis:    b.redis,
		tokens:   tokens,
		hasher:   hasher,
		policy: password.Policy{
			MinLength:    cfg.Password.MinLength,
			MaxLength:    cfg.Password.MaxLength,
			HistoryDepth: cfg.Password.HistoryDepth,
		},
		lockouts: limiters.NewLockoutTracker(b.redis, limiters.LockoutConfig{
			Enabled:   cfg.Lockout.Enabled,
			Threshold: cfg.Lockout.Threshold,
			Window:    cfg.Lockout.Window,
		}),
		challenges: stores.NewChallengeStore(b.redis, "idch"),
		pairings:   stores.NewPairingStore(b.redis, "idpair"),
		otps:       stores.NewOTPStore(b.redis, "idotp", cfg.OTP.MaxAttempts),
		sessions: session.NewRegistry(b.redis, session.Config{
			RedisPrefix: cfg.Session.RedisPrefix,
		}),
		auditLog: auditLog,
		webAuthn: wa,
		nowFunc:  time.Now,
	}
	e.monitor = NewMonitor(cfg.Monitor, e.securityAlert)
	return e, nil
}
