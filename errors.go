package identity

import "errors"

var (
	// ErrUnauthorized is returned when a request carries no usable credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned when email/password verification fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when the credential store has no record for the principal.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidToken is returned for malformed, expired, or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenInvalidated is returned when a token's signature is valid but its
	// tokenVersion no longer matches the user's current stored version.
	ErrTokenInvalidated = errors.New("token invalidated")
	// ErrMFARequired is returned when password verification succeeded but an
	// enrolled second factor must still be presented.
	ErrMFARequired = errors.New("mfa required")

	// ErrWeakPassword is returned when a candidate password violates the strength
	// policy. The engine wraps it together with the per-rule messages.
	ErrWeakPassword = errors.New("weak password")
	// ErrPasswordReused is returned when a candidate password matches an entry
	// in the bounded password history.
	ErrPasswordReused = errors.New("password reused")
	// ErrAccountLocked is returned while a temporary lockout window is active.
	ErrAccountLocked = errors.New("account locked")

	// ErrChallengeMissing is returned when a ceremony completion arrives with no
	// pending challenge for the account.
	ErrChallengeMissing = errors.New("challenge missing")
	// ErrInvalidCredential is returned when a WebAuthn credential payload has the
	// wrong structural shape or fails attestation/assertion verification.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCredentialNotFound is returned when an asserted credential id is not in
	// the user's registered set.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrNoPasskeys is returned when an authentication ceremony is requested for
	// an account with an empty credential set.
	ErrNoPasskeys = errors.New("no passkeys registered")
	// ErrSignCounterRegression is returned when an assertion's signature counter
	// did not advance, indicating a possible cloned authenticator.
	ErrSignCounterRegression = errors.New("signature counter regression")

	// ErrPairingNotFound is returned for unknown cross-device pairing session ids.
	ErrPairingNotFound = errors.New("pairing session not found")
	// ErrPairingExpired is returned when a pairing session's TTL elapsed before resolution.
	ErrPairingExpired = errors.New("pairing session expired")
	// ErrPairingResolved is returned when a second complete call targets an
	// already-resolved pairing session.
	ErrPairingResolved = errors.New("pairing session already resolved")

	// ErrOTPInvalid is returned when a one-time login code does not match.
	ErrOTPInvalid = errors.New("invalid one-time code")
	// ErrOTPExpired is returned when a one-time login code's TTL elapsed.
	ErrOTPExpired = errors.New("one-time code expired")
	// ErrOTPAttemptsExceeded is returned when the per-code guess budget is exhausted.
	ErrOTPAttemptsExceeded = errors.New("one-time code attempts exceeded")
	// ErrOTPNotAllowed is returned when an elevated-role account requests the
	// emailed-code fallback factor.
	ErrOTPNotAllowed = errors.New("one-time code fallback not allowed for role")

	// ErrTOTPInvalid is returned when a time-based code does not verify in the allowed window.
	ErrTOTPInvalid = errors.New("invalid totp code")
	// ErrMFANotConfigured is returned when a TOTP operation is attempted before setup.
	ErrMFANotConfigured = errors.New("mfa not configured")
	// ErrMFANotEnabled is returned when an MFA-gated operation targets an account
	// without an enabled factor.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFADisableNotPending is returned when undo is called with no disable scheduled.
	ErrMFADisableNotPending = errors.New("no mfa disable pending")

	// ErrSessionNotFound is returned when a session registry lookup misses or the
	// session belongs to another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBackendUnavailable is returned when the operational store cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when an Engine method is called before Build.
	ErrEngineNotReady = errors.New("engine not initialized")
)
