package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/permitdesk/identity/internal"
)

// SendMFADisableCode emails a one-time code for accounts that cannot present
// an authenticator code to confirm a disable request.
func (e *Engine) SendMFADisableCode(ctx context.Context, userID string) error {
	if e.notifier == nil {
		return ErrOTPNotAllowed
	}
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	code, err := internal.NewOTP(e.cfg.OTP.Digits)
	if err != nil {
		return err
	}
	if err := e.otps.Save(ctx, otpPurposeMFADisable, userID, code, e.cfg.OTP.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := e.notifier.SendLoginCode(ctx, user.Email, code); err != nil {
		return fmt.Errorf("send disable code: %w", err)
	}
	return nil
}

// RequestMFADisable schedules MFA to be disabled after the configured delay
// (default 24 hours). The caller must prove current possession of a factor:
// an authenticator code when one is enrolled, otherwise an emailed one-time
// code. Instantaneous disable is never permitted; the delay is the takeover
// escape hatch, undoable at any point before it elapses.
func (e *Engine) RequestMFADisable(ctx context.Context, userID, code string) (time.Time, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.MFAEnabled {
		return time.Time{}, ErrMFANotEnabled
	}

	if HasMethod(user.MFAMethods, MethodAuthenticator) {
		if err := e.checkTOTPCode(user, code); err != nil {
			return time.Time{}, err
		}
	} else {
		if err := e.redeemCode(ctx, otpPurposeMFADisable, user, code, ""); err != nil {
			return time.Time{}, err
		}
	}

	scheduledFor := e.now().Add(e.cfg.MFADisable.Delay)
	if err := e.users.SetMFADisableSchedule(ctx, userID, true, scheduledFor); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.recordAudit(ctx, userID, EventMFADisableScheduled, auditChange{
		Field: "mfaDisableScheduledFor",
		New:   scheduledFor.UTC().Format(time.RFC3339),
		Role:  user.Role.String(),
	})
	return scheduledFor, nil
}

// UndoMFADisable cancels a pending disable before it takes effect.
func (e *Engine) UndoMFADisable(ctx context.Context, userID string) error {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.MFADisablePending {
		return ErrMFADisableNotPending
	}
	if err := e.users.SetMFADisableSchedule(ctx, userID, false, time.Time{}); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.recordAudit(ctx, userID, EventMFADisableUndone, auditChange{
		Field: "mfaDisableScheduledFor",
		Role:  user.Role.String(),
	})
	return nil
}

// FinalizeDueMFADisables sweeps accounts whose scheduled disable time has
// passed. The sweep is an optimization; correctness rests on the lazy check
// in the login path.
func (e *Engine) FinalizeDueMFADisables(ctx context.Context) (int, error) {
	due, err := e.users.ListDueMFADisables(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	count := 0
	for _, user := range due {
		if err := e.finalizeDisable(ctx, user); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
			continue
		}
		count++
	}
	return count, nil
}

// finalizeDisableIfDue applies a lapsed disable schedule on the read path and
// returns the updated record.
func (e *Engine) finalizeDisableIfDue(ctx context.Context, user UserRecord) UserRecord {
	if !user.MFADisablePending || user.MFADisableScheduledFor.After(e.now()) {
		return user
	}
	if err := e.finalizeDisable(ctx, user); err != nil {
		e.monitor.RecordError(ErrBackendUnavailable)
		return user
	}
	user.MFAEnabled = false
	user.MFAMethods = ""
	user.MFASecret = ""
	user.MFADisablePending = false
	user.MFADisableScheduledFor = time.Time{}
	return user
}

func (e *Engine) finalizeDisable(ctx context.Context, user UserRecord) error {
	if err := e.users.SetMFAState(ctx, user.UserID, false, ""); err != nil {
		return err
	}
	if err := e.users.SetMFASecret(ctx, user.UserID, ""); err != nil {
		return err
	}
	if err := e.users.SetMFADisableSchedule(ctx, user.UserID, false, time.Time{}); err != nil {
		return err
	}
	e.recordAudit(ctx, user.UserID, EventMFADisabled, auditChange{
		Field: "mfaMethod",
		Old:   user.MFAMethods,
		Role:  user.Role.String(),
	})
	return nil
}
