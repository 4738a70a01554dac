package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	identity "github.com/permitdesk/identity"
)

// errorBody is the uniform failure envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps engine errors onto HTTP status and stable error codes.
// Backend failures deliberately collapse to a generic 500; internals never
// reach the client.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid_credentials", "Invalid email or password."
	case errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "The session token is invalid or expired."
	case errors.Is(err, identity.ErrTokenInvalidated):
		return http.StatusUnauthorized, "token_invalidated", "The session was revoked. Sign in again."
	case errors.Is(err, identity.ErrAccountLocked):
		return http.StatusUnauthorized, "account_locked", err.Error()
	case errors.Is(err, identity.ErrMFARequired):
		return http.StatusForbidden, "mfa_required", "A second factor is required for this account."

	case errors.Is(err, identity.ErrWeakPassword):
		return http.StatusBadRequest, "weak_password", err.Error()
	case errors.Is(err, identity.ErrPasswordReused):
		return http.StatusBadRequest, "password_reused", "The new password was used recently. Choose a different one."

	case errors.Is(err, identity.ErrChallengeMissing):
		return http.StatusBadRequest, "challenge_missing", "No pending challenge. Restart the ceremony."
	case errors.Is(err, identity.ErrInvalidCredential):
		return http.StatusBadRequest, "invalid_credential", "The credential could not be verified."
	case errors.Is(err, identity.ErrCredentialNotFound):
		return http.StatusNotFound, "credential_not_found", "No such registered credential."
	case errors.Is(err, identity.ErrNoPasskeys):
		return http.StatusBadRequest, "no_passkeys", "No passkeys are registered for this account."
	case errors.Is(err, identity.ErrSignCounterRegression):
		return http.StatusBadRequest, "invalid_credential", "The credential could not be verified."

	case errors.Is(err, identity.ErrPairingNotFound):
		return http.StatusNotFound, "session_not_found", "Unknown or expired pairing session."
	case errors.Is(err, identity.ErrPairingExpired):
		return http.StatusBadRequest, "session_expired", "The pairing session expired. Start over."
	case errors.Is(err, identity.ErrPairingResolved):
		return http.StatusConflict, "session_resolved", "The pairing session was already completed."

	case errors.Is(err, identity.ErrOTPInvalid):
		return http.StatusBadRequest, "invalid_code", "The code is incorrect."
	case errors.Is(err, identity.ErrOTPExpired):
		return http.StatusBadRequest, "code_expired", "The code expired. Request a new one."
	case errors.Is(err, identity.ErrOTPAttemptsExceeded):
		return http.StatusBadRequest, "code_attempts_exceeded", "Too many incorrect codes. Request a new one."
	case errors.Is(err, identity.ErrOTPNotAllowed):
		return http.StatusBadRequest, "code_not_allowed", "Email codes are not available for this account."

	case errors.Is(err, identity.ErrTOTPInvalid):
		return http.StatusBadRequest, "invalid_code", "The authenticator code is incorrect."
	case errors.Is(err, identity.ErrMFANotConfigured):
		return http.StatusBadRequest, "mfa_not_configured", "Authenticator setup is required."
	case errors.Is(err, identity.ErrMFANotEnabled):
		return http.StatusBadRequest, "mfa_not_enabled", "MFA is not enabled for this account."
	case errors.Is(err, identity.ErrMFADisableNotPending):
		return http.StatusBadRequest, "no_disable_pending", "No MFA disable is scheduled."

	case errors.Is(err, identity.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "No such session."
	case errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found", "No such account."

	default:
		return http.StatusInternalServerError, "internal_error", "Something went wrong. Try again later."
	}
}

// fail writes the error envelope and records the error with the monitor.
func (s *Server) fail(c *gin.Context, err error) {
	status, code, message := classify(err)
	severity := s.engine.Monitor().RecordError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("severity", severity).Error("request failed")
	} else {
		s.log.WithField("code", code).WithField("severity", severity).Debug("request rejected")
	}
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// failValidation reports a malformed request body.
func (s *Server) failValidation(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: errorDetail{Code: "validation_error", Message: message}})
}
