package identity

import (
	"context"

	"github.com/permitdesk/identity/audit"
)

// Audit event names. New code should reuse these rather than inventing
// one-off strings; dashboards key on them.
const (
	EventLoginSuccess    = "login_success"
	EventLoginFailed     = "login_failed"
	EventLoginCodeSent   = "login_code_sent"
	EventAccountLocked   = "account_locked"
	EventAccountUnlocked = "account_unlocked"

	EventPasswordChanged = "password_changed"
	EventTokensRevoked   = "tokens_revoked"

	EventMFASecretIssued     = "mfa_secret_issued"
	EventMFAEnabled          = "mfa_enabled"
	EventMFADisabled         = "mfa_disabled"
	EventMFADisableScheduled = "mfa_disable_scheduled"
	EventMFADisableUndone    = "mfa_disable_undone"

	EventPasskeyRegistered     = "passkey_registered"
	EventPasskeyRemoved        = "passkey_removed"
	EventPasskeyCloneSuspected = "passkey_clone_suspected"

	EventPairingStarted   = "pairing_started"
	EventPairingCompleted = "pairing_completed"

	EventSessionInvalidated = "session_invalidated"
	EventSecurityAlert      = "security_alert"
)

// auditChange carries the optional detail fields of one audit entry.
type auditChange struct {
	Field    string
	Old      string
	New      string
	Role     string
	Metadata map[string]string
}

// recordAudit persists one entry. Failures are counted by the monitor and
// swallowed; the audit trail must never abort the action it describes.
func (e *Engine) recordAudit(ctx context.Context, userID, eventType string, change auditChange) {
	_, err := e.auditLog.Record(ctx, audit.Entry{
		UserID:       userID,
		EventType:    eventType,
		FieldChanged: change.Field,
		OldValue:     change.Old,
		NewValue:     change.New,
		Role:         change.Role,
		Metadata:     change.Metadata,
		Timestamp:    e.now(),
	})
	if err != nil {
		e.monitor.RecordError(ErrBackendUnavailable)
	}
}

// securityAlert mirrors monitor alerts into the audit trail so brute-force
// and injection signals share one timeline with account mutations.
func (e *Engine) securityAlert(event string, fields map[string]string) {
	_, err := e.auditLog.Record(context.Background(), audit.Entry{
		UserID:    "system",
		EventType: EventSecurityAlert,
		Metadata:  mergeMeta(map[string]string{"alert": event}, fields),
		Timestamp: e.now(),
	})
	if err != nil {
		e.monitor.RecordError(ErrBackendUnavailable)
	}
}

func mergeMeta(base, extra map[string]string) map[string]string {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
