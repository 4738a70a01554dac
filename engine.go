package identity

import (
	"context"
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

// Engine is the assembled security engine. Construct it with [Builder]; the
// zero value is not usable. All methods are safe for concurrent use.
type Engine struct {
	cfg      Config
	users    UserProvider
	notifier Notifier
	redis    redis.UniversalClient

	tokens     *token.Manager
	hasher     *password.Hasher
	policy     password.Policy
	lockouts   *limiters.LockoutTracker
	challenges *stores.ChallengeStore
	pairings   *stores.PairingStore
	otps       *stores.OTPStore
	sessions   *session.Registry
	auditLog   *audit.Log
	monitor    *Monitor
	webAuthn   *webauthn.WebAuthn

	nowFunc func() time.Time
}

func (e *Engine) now() time.Time { return e.nowFunc() }

// Monitor exposes the security monitor for operator stats endpoints.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Audit exposes the audit log for read-side endpoints and verification.
func (e *Engine) Audit() *audit.Log { return e.auditLog }

// Close drains background workers. Call once on shutdown.
func (e *Engine) Close() {
	if e.auditLog != nil {
		e.auditLog.Close()
	}
}

// VerifyToken checks signature, expiry and the live tokenVersion, and returns
// the owning user record plus the parsed claims. The tokenVersion comparison
// is a point read of the user record on every call; that read is what makes
// bulk revocation (password change, logout-everywhere) instantaneous.
func (e *Engine) VerifyToken(ctx context.Context, raw string) (UserRecord, *token.Claims, error) {
	claims, err := e.tokens.Parse(raw)
	if err != nil {
		e.monitor.RecordError(ErrInvalidToken)
		return UserRecord{}, nil, ErrInvalidToken
	}
	user, err := e.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, nil, ErrInvalidToken
		}
		return UserRecord{}, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if claims.TokenVersion != user.TokenVersion {
		e.monitor.RecordError(ErrTokenInvalidated)
		return UserRecord{}, nil, ErrTokenInvalidated
	}
	return user, claims, nil
}

// RevokeAllTokens bumps the user's tokenVersion, instantly invalidating every
// outstanding token. Device session bookkeeping is a separate mechanism; see
// [Engine.InvalidateOtherSessions].
func (e *Engine) RevokeAllTokens(ctx context.Context, userID string) error {
	if _, err := e.users.BumpTokenVersion(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.recordAudit(ctx, userID, EventTokensRevoked, auditChange{Field: "tokenVersion"})
	return nil
}

// CheckLockout reports the account's temporary-lockout state. Expired locks
// are cleared lazily by the tracker.
func (e *Engine) CheckLockout(ctx context.Context, userID string) (LockoutStatus, error) {
	state, err := e.lockouts.Status(ctx, userID)
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return LockoutStatus{
		Locked:           state.Locked,
		LockedUntil:      state.LockedUntil,
		RemainingMinutes: state.RemainingMinutes(e.now()),
		Attempts:         state.Attempts,
	}, nil
}

// UnlockAccount clears the failed-attempt counter and any active lock.
// Admin-only; actorID goes into the audit trail.
func (e *Engine) UnlockAccount(ctx context.Context, actorID, targetUserID string) error {
	if err := e.lockouts.Clear(ctx, targetUserID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.recordAudit(ctx, targetUserID, EventAccountUnlocked, auditChange{
		Metadata: map[string]string{"actor": actorID},
	})
	return nil
}

// issueToken signs a token for the user's current role and tokenVersion.
func (e *Engine) issueToken(user UserRecord) (TokenPair, error) {
	tok, expiresAt, err := e.tokens.Issue(user.UserID, user.Role.String(), user.TokenVersion)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Token: tok, ExpiresAt: expiresAt}, nil
}
