package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/permitdesk/identity/internal/stores"
)

// Challenge store purposes. One pending ceremony per purpose and owner;
// starting a new ceremony replaces the old challenge.
const (
	purposeRegister     = "webauthn-reg"
	purposeAuthenticate = "webauthn-auth"
)

// webauthnUser adapts a UserRecord to the relying-party library's user model.
type webauthnUser struct {
	rec UserRecord
}

func (u webauthnUser) WebAuthnID() []byte          { return []byte(u.rec.UserID) }
func (u webauthnUser) WebAuthnName() string        { return u.rec.Email }
func (u webauthnUser) WebAuthnDisplayName() string { return u.rec.Email }
func (u webauthnUser) WebAuthnIcon() string        { return "" }

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.rec.WebAuthnCredentials))
	for _, c := range u.rec.WebAuthnCredentials {
		out = append(out, libCredential(c))
	}
	return out
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func decodeCredentialID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id)
}

// libCredential converts our stored shape to the library's.
func libCredential(c WebAuthnCredential) webauthn.Credential {
	id, _ := decodeCredentialID(c.CredentialID)
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: c.PublicKey,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}
}

// storedCredential converts a freshly verified library credential to our shape.
func (e *Engine) storedCredential(c *webauthn.Credential) WebAuthnCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return WebAuthnCredential{
		CredentialID: encodeCredentialID(c.ID),
		PublicKey:    c.PublicKey,
		SignCount:    c.Authenticator.SignCount,
		Transports:   transports,
		AddedAt:      e.now(),
	}
}

// exclusionList keeps already-registered credential ids out of a new
// registration ceremony.
func exclusionList(user UserRecord) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(user.WebAuthnCredentials))
	for _, c := range user.WebAuthnCredentials {
		id, err := decodeCredentialID(c.CredentialID)
		if err != nil {
			continue
		}
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
		})
	}
	return out
}

// BeginPasskeyRegistration starts a registration ceremony for a signed-in
// user. The challenge is single-use and replaces any pending one.
func (e *Engine) BeginPasskeyRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	creation, sessionData, err := e.webAuthn.BeginRegistration(
		webauthnUser{rec: user},
		webauthn.WithExclusions(exclusionList(user)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := e.saveCeremony(ctx, purposeRegister, userID, sessionData); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishPasskeyRegistration verifies the attestation response and appends the
// new credential. Completing registration while mustSetupMfa is pending
// activates the account.
func (e *Engine) FinishPasskeyRegistration(ctx context.Context, userID string, response []byte) error {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	sessionData, err := e.takeCeremony(ctx, purposeRegister, userID)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		e.monitor.RecordError(ErrInvalidCredential)
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	cred, err := e.webAuthn.CreateCredential(webauthnUser{rec: user}, *sessionData, parsed)
	if err != nil {
		e.monitor.RecordError(ErrInvalidCredential)
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return e.adoptCredential(ctx, user, cred)
}

// adoptCredential persists a verified new credential and reconciles the MFA
// capability set.
func (e *Engine) adoptCredential(ctx context.Context, user UserRecord, cred *webauthn.Credential) error {
	stored := e.storedCredential(cred)
	if err := e.users.AddWebAuthnCredential(ctx, user.UserID, stored); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.MFAEnabled || !HasMethod(user.MFAMethods, MethodPasskey) {
		methods := append(SplitMethods(user.MFAMethods), MethodPasskey)
		if err := e.users.SetMFAState(ctx, user.UserID, true, JoinMethods(methods)); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if user.MustSetupMFA {
		if err := e.users.ClearMustSetupMFA(ctx, user.UserID); err != nil {
			e.monitor.RecordError(ErrBackendUnavailable)
		}
	}
	e.recordAudit(ctx, user.UserID, EventPasskeyRegistered, auditChange{
		Field: "webauthnCredentials",
		New:   stored.CredentialID,
		Role:  user.Role.String(),
	})
	return nil
}

// BeginPasskeyLogin starts an authentication ceremony with an allow-list of
// the account's registered credentials.
func (e *Engine) BeginPasskeyLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrNoPasskeys
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.HasPasskeys() {
		e.monitor.RecordError(ErrNoPasskeys)
		return nil, ErrNoPasskeys
	}
	assertion, sessionData, err := e.webAuthn.BeginLogin(webauthnUser{rec: user})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := e.saveCeremony(ctx, purposeAuthenticate, email, sessionData); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishPasskeyLogin verifies the assertion, enforces the monotonic signature
// counter, and completes the login.
func (e *Engine) FinishPasskeyLogin(ctx context.Context, email string, response []byte, ip, userAgent string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	sessionData, err := e.takeCeremony(ctx, purposeAuthenticate, email)
	if err != nil {
		return LoginResult{}, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		e.monitor.RecordError(ErrInvalidCredential)
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if _, ok := user.Credential(encodeCredentialID(parsed.RawID)); !ok {
		e.monitor.RecordError(ErrCredentialNotFound)
		return LoginResult{}, ErrCredentialNotFound
	}
	cred, err := e.webAuthn.ValidateLogin(webauthnUser{rec: user}, *sessionData, parsed)
	if err != nil {
		e.monitor.RecordError(ErrInvalidCredential)
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := e.commitAssertion(ctx, user, cred); err != nil {
		return LoginResult{}, err
	}
	return e.finishLogin(ctx, user, ip, userAgent)
}

// commitAssertion applies the post-assertion bookkeeping: clone detection via
// the signature counter, then persisting the advanced counter.
func (e *Engine) commitAssertion(ctx context.Context, user UserRecord, cred *webauthn.Credential) error {
	credID := encodeCredentialID(cred.ID)
	if cred.Authenticator.CloneWarning {
		e.recordAudit(ctx, user.UserID, EventPasskeyCloneSuspected, auditChange{
			Field: "webauthnCredentials",
			New:   credID,
			Role:  user.Role.String(),
		})
		e.monitor.RecordError(ErrSignCounterRegression)
		return ErrSignCounterRegression
	}
	if err := e.users.UpdateWebAuthnSignCount(ctx, user.UserID, credID, cred.Authenticator.SignCount); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ListPasskeys returns the account's registered credentials in listing shape.
func (e *Engine) ListPasskeys(ctx context.Context, userID string) ([]CredentialInfo, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out := make([]CredentialInfo, 0, len(user.WebAuthnCredentials))
	for _, c := range user.WebAuthnCredentials {
		out = append(out, CredentialInfo{
			CredentialID: c.CredentialID,
			Transports:   c.Transports,
			SignCount:    c.SignCount,
			AddedAt:      c.AddedAt,
		})
	}
	return out, nil
}

// DeletePasskey removes one credential. Removing the last one clears
// "passkey" from the capability set and disables MFA only when no other
// method remains; the account is never left enabled with an empty set.
func (e *Engine) DeletePasskey(ctx context.Context, userID, credentialID string) error {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if _, ok := user.Credential(credentialID); !ok {
		return ErrCredentialNotFound
	}
	if err := e.users.RemoveWebAuthnCredential(ctx, userID, credentialID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if len(user.WebAuthnCredentials) == 1 {
		methods := make([]MFAMethod, 0)
		for _, m := range SplitMethods(user.MFAMethods) {
			if m != MethodPasskey {
				methods = append(methods, m)
			}
		}
		enabled := len(methods) > 0
		if err := e.users.SetMFAState(ctx, userID, enabled, JoinMethods(methods)); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if !enabled {
			e.recordAudit(ctx, userID, EventMFADisabled, auditChange{
				Field: "mfaMethod",
				Old:   user.MFAMethods,
				Role:  user.Role.String(),
			})
		}
	}
	e.recordAudit(ctx, userID, EventPasskeyRemoved, auditChange{
		Field: "webauthnCredentials",
		Old:   credentialID,
		Role:  user.Role.String(),
	})
	return nil
}

// saveCeremony stores the library's session data for the pending ceremony.
func (e *Engine) saveCeremony(ctx context.Context, purpose, owner string, sessionData *webauthn.SessionData) error {
	encoded, err := json.Marshal(sessionData)
	if err != nil {
		return err
	}
	if err := e.challenges.Save(ctx, purpose, owner, encoded, e.cfg.WebAuthn.ChallengeTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// takeCeremony consumes the pending ceremony state. A miss means no
// challenge was issued, it expired, or it was already used.
func (e *Engine) takeCeremony(ctx context.Context, purpose, owner string) (*webauthn.SessionData, error) {
	raw, err := e.challenges.Take(ctx, purpose, owner)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			e.monitor.RecordError(ErrChallengeMissing)
			return nil, ErrChallengeMissing
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var sessionData webauthn.SessionData
	if err := json.Unmarshal(raw, &sessionData); err != nil {
		return nil, ErrChallengeMissing
	}
	return &sessionData, nil
}
