package identity

import (
	"context"
	"fmt"
	"strings"
)

// ChangePasswordAuthenticated rotates the password of a signed-in user.
// Strength and history violations short-circuit before any mutation. On
// success the retired hash joins the bounded history, tokenVersion is bumped
// (revoking every outstanding token), and a fresh token is issued so the
// current device stays signed in. Because the TOTP secret is encrypted under
// the old hash it becomes unrecoverable; accounts with an authenticator
// factor are flagged for MFA re-enrollment.
func (e *Engine) ChangePasswordAuthenticated(ctx context.Context, userID, currentPassword, newPassword string) (TokenPair, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		e.monitor.RecordError(ErrInvalidCredentials)
		return TokenPair{}, ErrInvalidCredentials
	}

	if violations := e.policy.ValidateStrength(newPassword); len(violations) > 0 {
		e.monitor.RecordError(ErrWeakPassword)
		return TokenPair{}, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(violations, "; "))
	}

	// The current hash counts as history too; reuse of the present password
	// is as much a rotation failure as reuse of an old one.
	history := append([]string{}, user.PasswordHistory...)
	history = append(history, user.PasswordHash)
	reused, err := e.policy.InHistory(e.hasher, newPassword, history)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if reused {
		e.monitor.RecordError(ErrPasswordReused)
		return TokenPair{}, ErrPasswordReused
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	newHistory := e.policy.AppendHistory(user.PasswordHash, user.PasswordHistory)
	if err := e.users.UpdatePassword(ctx, userID, newHash, newHistory); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	newVersion, err := e.users.BumpTokenVersion(ctx, userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if user.MFAEnabled && HasMethod(user.MFAMethods, MethodAuthenticator) {
		if err := e.users.SetMFAReEnrollment(ctx, userID, true); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
		}
	}

	e.recordAudit(ctx, userID, EventPasswordChanged, auditChange{
		Field: "passwordHash",
		Old:   user.PasswordHash,
		New:   newHash,
		Role:  user.Role.String(),
	})

	user.PasswordHash = newHash
	user.TokenVersion = newVersion
	return e.issueToken(user)
}
