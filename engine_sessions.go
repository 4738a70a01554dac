package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/permitdesk/identity/session"
)

// TouchSession records activity for the calling token's device session,
// creating one with a role-dependent expiry on first contact.
func (e *Engine) TouchSession(ctx context.Context, user UserRecord, ip, userAgent string) (*session.Session, error) {
	sess, _, err := e.sessions.Touch(ctx, user.UserID, user.TokenVersion, ip, userAgent, e.cfg.Session.TTLForRole(user.Role))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return sess, nil
}

// ListSessions returns the user's tracked sessions, each annotated with
// whether it belongs to the calling token and whether it has lapsed.
func (e *Engine) ListSessions(ctx context.Context, userID string, currentTokenVersion int64) ([]session.View, error) {
	views, err := e.sessions.ListActive(ctx, userID, currentTokenVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return views, nil
}

// InvalidateSession flags one of the caller's own sessions. Sessions are
// retained for the audit trail; nothing is deleted.
func (e *Engine) InvalidateSession(ctx context.Context, userID, sessionID, reason string) error {
	err := e.sessions.Invalidate(ctx, userID, sessionID, reason)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.recordAudit(ctx, userID, EventSessionInvalidated, auditChange{
		Metadata: map[string]string{"sessionId": sessionID, "reason": reason},
	})
	return nil
}

// InvalidateOtherSessions flags every active session except the caller's
// current one and returns how many were flagged. Token revocation is a
// separate mechanism; see [Engine.RevokeAllTokens].
func (e *Engine) InvalidateOtherSessions(ctx context.Context, userID string, currentTokenVersion int64) (int, error) {
	count, err := e.sessions.InvalidateAllExceptCurrent(ctx, userID, currentTokenVersion, "bulk invalidation")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count > 0 {
		e.recordAudit(ctx, userID, EventSessionInvalidated, auditChange{
			Metadata: map[string]string{"scope": "all-except-current", "count": fmt.Sprint(count)},
		})
	}
	return count, nil
}
