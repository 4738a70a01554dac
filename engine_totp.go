package identity

import (
	"context"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/permitdesk/identity/internal/secretbox"
)

// SetupTOTP generates a fresh authenticator secret for the user and stores it
// encrypted under a key derived from the current password hash, so a later
// password change makes it unrecoverable and forces re-enrollment. The
// plaintext secret and provisioning URI are returned exactly once.
func (e *Engine) SetupTOTP(ctx context.Context, userID string) (TOTPProvision, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return TOTPProvision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.cfg.TOTP.Issuer,
		AccountName: user.Email,
		Period:      uint(e.cfg.TOTP.Period),
		Digits:      otp.Digits(e.cfg.TOTP.Digits),
	})
	if err != nil {
		return TOTPProvision{}, fmt.Errorf("totp generate: %w", err)
	}

	sealed, err := secretbox.Seal(user.PasswordHash, key.Secret())
	if err != nil {
		return TOTPProvision{}, fmt.Errorf("seal secret: %w", err)
	}
	if err := e.users.SetMFASecret(ctx, userID, sealed); err != nil {
		return TOTPProvision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.recordAudit(ctx, userID, EventMFASecretIssued, auditChange{
		Field: "mfaSecret",
		Role:  user.Role.String(),
	})
	return TOTPProvision{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyTOTP checks an authenticator code for a signed-in user. The first
// successful verification after setup enables MFA and adds "authenticator" to
// the capability set; it also clears a pending re-enrollment flag.
func (e *Engine) VerifyTOTP(ctx context.Context, userID, code string) error {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := e.checkTOTPCode(user, code); err != nil {
		return err
	}

	if !user.MFAEnabled || !HasMethod(user.MFAMethods, MethodAuthenticator) {
		methods := append(SplitMethods(user.MFAMethods), MethodAuthenticator)
		if err := e.users.SetMFAState(ctx, userID, true, JoinMethods(methods)); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		e.recordAudit(ctx, userID, EventMFAEnabled, auditChange{
			Field: "mfaMethod",
			Old:   user.MFAMethods,
			New:   JoinMethods(methods),
			Role:  user.Role.String(),
		})
	}
	if user.MFAReEnrollmentRequired {
		if err := e.users.SetMFAReEnrollment(ctx, userID, false); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
		}
	}
	if user.MustSetupMFA {
		if err := e.users.ClearMustSetupMFA(ctx, userID); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
		}
	}
	return nil
}

// checkTOTPCode validates a code against the user's sealed secret. A secret
// that no longer opens (password rotated since enrollment) reads as not
// configured, which is what forces re-enrollment.
func (e *Engine) checkTOTPCode(user UserRecord, code string) error {
	if user.MFASecret == "" {
		return ErrMFANotConfigured
	}
	secret, err := secretbox.Open(user.PasswordHash, user.MFASecret)
	if err != nil {
		return ErrMFANotConfigured
	}
	valid, err := totp.ValidateCustom(code, secret, e.now(), totp.ValidateOpts{
		Period: uint(e.cfg.TOTP.Period),
		Skew:   uint(e.cfg.TOTP.Skew),
		Digits: otp.Digits(e.cfg.TOTP.Digits),
	})
	if err != nil || !valid {
		e.monitor.RecordError(ErrTOTPInvalid)
		return ErrTOTPInvalid
	}
	return nil
}
