package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/permitdesk/identity/internal"
	"github.com/permitdesk/identity/internal/stores"
)

// One-time-code purposes. A code is only redeemable for the flow it was
// issued for.
const (
	otpPurposeLogin      = "login"
	otpPurposeMFADisable = "mfa-disable"
)

// Login runs the password step. On full success it returns an issued token;
// when a second factor is pending it returns MFARequired with the capability
// set the account can complete. Lockout applies to the password step only;
// the counter is cleared exclusively after full authentication.
func (e *Engine) Login(ctx context.Context, email, plainPassword, ip, userAgent string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.monitor.TrackFailedLogin(ip, email)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := e.rejectIfLocked(ctx, user.UserID); err != nil {
		return LoginResult{}, err
	}

	ok, err := e.hasher.Verify(plainPassword, user.PasswordHash)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !ok {
		return LoginResult{}, e.recordLoginFailure(ctx, user, ip, userAgent)
	}

	user = e.finalizeDisableIfDue(ctx, user)

	// Elevated accounts never complete a login on password alone.
	if user.Role.Elevated() && !hasStrongFactor(user) {
		e.monitor.RecordError(ErrMFARequired)
		return LoginResult{}, ErrMFARequired
	}

	if user.MFAEnabled {
		result := LoginResult{
			MFARequired: true,
			Methods:     SplitMethods(user.MFAMethods),
			User:        user,
		}
		if HasMethod(user.MFAMethods, MethodEmailCode) && !user.Role.Elevated() {
			result.CodeSent = e.sendLoginCode(ctx, user)
		}
		return result, nil
	}

	return e.finishLogin(ctx, user, ip, userAgent)
}

// VerifyLoginCode completes a login with the emailed fallback code. The code
// has its own guess budget, independent of the account lockout counter.
func (e *Engine) VerifyLoginCode(ctx context.Context, email, code, ip, userAgent string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if user.Role.Elevated() {
		return LoginResult{}, ErrOTPNotAllowed
	}
	if err := e.redeemCode(ctx, otpPurposeLogin, user, code, ip); err != nil {
		return LoginResult{}, err
	}
	return e.finishLogin(ctx, user, ip, userAgent)
}

// VerifyLoginTOTP completes a login with an authenticator code.
func (e *Engine) VerifyLoginTOTP(ctx context.Context, email, code, ip, userAgent string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := e.rejectIfLocked(ctx, user.UserID); err != nil {
		return LoginResult{}, err
	}
	if err := e.checkTOTPCode(user, code); err != nil {
		if errors.Is(err, ErrTOTPInvalid) {
			return LoginResult{}, e.recordLoginFailure(ctx, user, ip, userAgent)
		}
		return LoginResult{}, err
	}
	return e.finishLogin(ctx, user, ip, userAgent)
}

// rejectIfLocked returns ErrAccountLocked with the remaining minutes while a
// lockout window is active.
func (e *Engine) rejectIfLocked(ctx context.Context, userID string) error {
	status, err := e.CheckLockout(ctx, userID)
	if err != nil {
		return err
	}
	if status.Locked {
		e.monitor.RecordError(ErrAccountLocked)
		return fmt.Errorf("%w: try again in %d minutes", ErrAccountLocked, status.RemainingMinutes)
	}
	return nil
}

// recordLoginFailure counts the failed attempt and reports the error the
// caller should surface: ErrAccountLocked when this attempt tripped the
// threshold, ErrInvalidCredentials otherwise.
func (e *Engine) recordLoginFailure(ctx context.Context, user UserRecord, ip, userAgent string) error {
	state, err := e.lockouts.RecordFailure(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.monitor.TrackFailedLogin(ip, user.Email)
	e.monitor.RecordError(ErrInvalidCredentials)
	e.recordAudit(ctx, user.UserID, EventLoginFailed, auditChange{
		Role:     user.Role.String(),
		Metadata: map[string]string{"ip": ip, "userAgent": userAgent, "attempts": fmt.Sprint(state.Attempts)},
	})
	if state.Locked {
		if state.Attempts == e.cfg.Lockout.Threshold {
			e.recordAudit(ctx, user.UserID, EventAccountLocked, auditChange{
				Role:     user.Role.String(),
				Metadata: map[string]string{"ip": ip},
			})
		}
		return fmt.Errorf("%w: try again in %d minutes", ErrAccountLocked, state.RemainingMinutes(e.now()))
	}
	return ErrInvalidCredentials
}

// sendLoginCode generates, stores and emails a fallback code. Delivery is
// best-effort; a send failure leaves the login response with CodeSent=false
// and never aborts the step.
func (e *Engine) sendLoginCode(ctx context.Context, user UserRecord) bool {
	if e.notifier == nil {
		return false
	}
	code, err := internal.NewOTP(e.cfg.OTP.Digits)
	if err != nil {
		e.monitor.RecordError(err)
		return false
	}
	if err := e.otps.Save(ctx, otpPurposeLogin, user.UserID, code, e.cfg.OTP.TTL); err != nil {
		e.monitor.RecordError(ErrBackendUnavailable)
		return false
	}
	if err := e.notifier.SendLoginCode(ctx, user.Email, code); err != nil {
		e.monitor.RecordError(err)
		return false
	}
	e.recordAudit(ctx, user.UserID, EventLoginCodeSent, auditChange{Role: user.Role.String()})
	return true
}

// redeemCode consumes a pending code issued for the given purpose, mapping
// store outcomes onto the public error taxonomy.
func (e *Engine) redeemCode(ctx context.Context, purpose string, user UserRecord, code, ip string) error {
	err := e.otps.Redeem(ctx, purpose, user.UserID, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrOTPNotFound):
		return ErrOTPExpired
	case errors.Is(err, stores.ErrOTPAttemptsExceeded):
		e.monitor.TrackFailedLogin(ip, user.Email)
		return ErrOTPAttemptsExceeded
	case errors.Is(err, stores.ErrOTPMismatch):
		e.monitor.TrackFailedLogin(ip, user.Email)
		e.monitor.RecordError(ErrOTPInvalid)
		return ErrOTPInvalid
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

// finishLogin is the single exit point for every fully authenticated login:
// clears the lockout counter, records the source IP, registers the device
// session and issues the token.
func (e *Engine) finishLogin(ctx context.Context, user UserRecord, ip, userAgent string) (LoginResult, error) {
	if err := e.lockouts.Clear(ctx, user.UserID); err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	meta := map[string]string{"ip": ip, "userAgent": userAgent}
	if ip != "" {
		if knownLoginIP(user, ip) {
			meta["knownIp"] = "true"
		} else {
			meta["newIp"] = "true"
		}
		if err := e.users.RecordLoginIP(ctx, user.UserID, ip); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
		}
	}

	pair, err := e.issueToken(user)
	if err != nil {
		return LoginResult{}, err
	}
	if _, _, err := e.sessions.Touch(ctx, user.UserID, user.TokenVersion, ip, userAgent, e.cfg.Session.TTLForRole(user.Role)); err != nil {
		e.monitor.RecordError(ErrBackendUnavailable)
	}
	e.recordAudit(ctx, user.UserID, EventLoginSuccess, auditChange{
		Role:     user.Role.String(),
		Metadata: meta,
	})
	return LoginResult{Token: pair.Token, ExpiresAt: pair.ExpiresAt, User: user}, nil
}

func knownLoginIP(user UserRecord, ip string) bool {
	for _, prior := range user.RecentLoginIPs {
		if prior == ip {
			return true
		}
	}
	return false
}

// hasStrongFactor reports whether the account has an enrolled phishing-aware
// factor (authenticator or passkey). The emailed code does not count.
func hasStrongFactor(user UserRecord) bool {
	if !user.MFAEnabled {
		return false
	}
	return HasMethod(user.MFAMethods, MethodAuthenticator) || (HasMethod(user.MFAMethods, MethodPasskey) && user.HasPasskeys())
}
