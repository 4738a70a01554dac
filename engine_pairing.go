package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/permitdesk/identity/internal"
	"github.com/permitdesk/identity/internal/stores"
)

// Pairing flow types carried in the QR payload.
const (
	PairingFlowAuthenticate = "authenticate"
	PairingFlowRegister     = "register"
)

const purposePairing = "webauthn-pair"

// PairingStart is returned to the originating browser; QRPayload is the URL
// the secondary device opens.
type PairingStart struct {
	SessionID string
	QRPayload string
	ExpiresIn time.Duration
}

// PairingAuthOptions carries the ceremony options served to the secondary
// device. Exactly one of Creation/Assertion is set, matching Type.
type PairingAuthOptions struct {
	Type      string
	Creation  *protocol.CredentialCreation
	Assertion *protocol.CredentialAssertion
}

// PairingStatusResult is the poll response for the originating browser. Once
// the session is terminal every poll returns the same result.
type PairingStatusResult struct {
	Pending       bool
	Authenticated bool
	Status        string
	Token         string
	ExpiresAt     time.Time
	User          UserRecord
}

// pairingCeremony wraps the library session data with the flow kind so
// completion knows which ceremony to verify.
type pairingCeremony struct {
	Kind    string               `json:"kind"`
	Session webauthn.SessionData `json:"session"`
}

// StartPairing opens a cross-device pairing session. With an email the flow
// targets that account, authenticating against its passkeys or, when it has
// none and allowRegistration is set, registering a first one. Without an
// email the flow is discoverable: any resident credential identifies its
// owner.
func (e *Engine) StartPairing(ctx context.Context, email string, allowRegistration bool) (PairingStart, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	flowType := PairingFlowAuthenticate
	var target *UserRecord
	if email != "" {
		user, err := e.users.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return PairingStart{}, ErrNoPasskeys
			}
			return PairingStart{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if !user.HasPasskeys() {
			if !allowRegistration {
				e.monitor.RecordError(ErrNoPasskeys)
				return PairingStart{}, ErrNoPasskeys
			}
			flowType = PairingFlowRegister
		}
		target = &user
	}

	sessionID, err := internal.NewOpaqueID()
	if err != nil {
		return PairingStart{}, err
	}
	err = e.pairings.Create(ctx, sessionID, &stores.PairingSession{
		Email:     email,
		Type:      flowType,
		Status:    stores.PairingPending,
		CreatedAt: e.now(),
	}, e.cfg.Pairing.TTL)
	if err != nil {
		return PairingStart{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if target != nil {
		e.recordAudit(ctx, target.UserID, EventPairingStarted, auditChange{
			Role:     target.Role.String(),
			Metadata: map[string]string{"flow": flowType},
		})
	}

	q := url.Values{}
	q.Set("session", sessionID)
	q.Set("type", flowType)
	q.Set("rp", e.cfg.WebAuthn.RPID)
	return PairingStart{
		SessionID: sessionID,
		QRPayload: strings.TrimRight(e.cfg.Pairing.BaseURL, "/") + "/pair?" + q.Encode(),
		ExpiresIn: e.cfg.Pairing.TTL,
	}, nil
}

// PairingAuthOptions serves ceremony options to the secondary device. The
// device asks for authentication first; an account without credentials falls
// back to registration, mirroring a set-up-on-this-device affordance.
func (e *Engine) PairingAuthOptions(ctx context.Context, sessionID string) (PairingAuthOptions, error) {
	sess, err := e.loadPairing(ctx, sessionID)
	if err != nil {
		return PairingAuthOptions{}, err
	}

	// Userless flow: any resident credential may answer.
	if sess.Email == "" {
		assertion, sessionData, err := e.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return PairingAuthOptions{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if err := e.savePairingCeremony(ctx, sessionID, PairingFlowAuthenticate, sessionData); err != nil {
			return PairingAuthOptions{}, err
		}
		return PairingAuthOptions{Type: PairingFlowAuthenticate, Assertion: assertion}, nil
	}

	user, err := e.users.GetUserByEmail(ctx, sess.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return PairingAuthOptions{}, ErrPairingNotFound
		}
		return PairingAuthOptions{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if user.HasPasskeys() {
		assertion, sessionData, err := e.webAuthn.BeginLogin(webauthnUser{rec: user})
		if err != nil {
			return PairingAuthOptions{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if err := e.savePairingCeremony(ctx, sessionID, PairingFlowAuthenticate, sessionData); err != nil {
			return PairingAuthOptions{}, err
		}
		return PairingAuthOptions{Type: PairingFlowAuthenticate, Assertion: assertion}, nil
	}

	if sess.Type != PairingFlowRegister {
		e.monitor.RecordError(ErrNoPasskeys)
		return PairingAuthOptions{}, ErrNoPasskeys
	}
	creation, sessionData, err := e.webAuthn.BeginRegistration(
		webauthnUser{rec: user},
		webauthn.WithExclusions(exclusionList(user)),
	)
	if err != nil {
		return PairingAuthOptions{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := e.savePairingCeremony(ctx, sessionID, PairingFlowRegister, sessionData); err != nil {
		return PairingAuthOptions{}, err
	}
	return PairingAuthOptions{Type: PairingFlowRegister, Creation: creation}, nil
}

// CompletePairing verifies the ceremony response from the secondary device
// and resolves the pairing session. Exactly one completion wins; later calls
// observe the terminal state and fail.
func (e *Engine) CompletePairing(ctx context.Context, sessionID string, response []byte) error {
	sess, err := e.loadPairing(ctx, sessionID)
	if err != nil {
		return err
	}

	raw, err := e.challenges.Take(ctx, purposePairing, sessionID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			e.monitor.RecordError(ErrChallengeMissing)
			return ErrChallengeMissing
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var ceremony pairingCeremony
	if err := json.Unmarshal(raw, &ceremony); err != nil {
		return ErrChallengeMissing
	}

	var (
		user   UserRecord
		status string
	)
	switch ceremony.Kind {
	case PairingFlowRegister:
		user, err = e.users.GetUserByEmail(ctx, sess.Email)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		parsed, perr := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
		if perr != nil {
			e.monitor.RecordError(ErrInvalidCredential)
			return fmt.Errorf("%w: %v", ErrInvalidCredential, perr)
		}
		cred, cerr := e.webAuthn.CreateCredential(webauthnUser{rec: user}, ceremony.Session, parsed)
		if cerr != nil {
			e.monitor.RecordError(ErrInvalidCredential)
			return fmt.Errorf("%w: %v", ErrInvalidCredential, cerr)
		}
		if err := e.adoptCredential(ctx, user, cred); err != nil {
			return err
		}
		status = stores.PairingRegistered

	case PairingFlowAuthenticate:
		parsed, perr := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
		if perr != nil {
			e.monitor.RecordError(ErrInvalidCredential)
			return fmt.Errorf("%w: %v", ErrInvalidCredential, perr)
		}
		user, err = e.validatePairingAssertion(ctx, sess.Email, ceremony.Session, parsed)
		if err != nil {
			return err
		}
		status = stores.PairingAuthenticated

	default:
		return ErrChallengeMissing
	}

	if err := e.pairings.Resolve(ctx, sessionID, status, user.UserID); err != nil {
		switch {
		case errors.Is(err, stores.ErrPairingResolved):
			return ErrPairingResolved
		case errors.Is(err, stores.ErrPairingNotFound):
			return ErrPairingExpired
		default:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	e.recordAudit(ctx, user.UserID, EventPairingCompleted, auditChange{
		Role:     user.Role.String(),
		Metadata: map[string]string{"flow": ceremony.Kind},
	})
	return nil
}

// validatePairingAssertion verifies an authentication response for either the
// targeted or the discoverable flow and returns the asserted account.
func (e *Engine) validatePairingAssertion(ctx context.Context, email string, sessionData webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (UserRecord, error) {
	if email != "" {
		user, err := e.users.GetUserByEmail(ctx, email)
		if err != nil {
			return UserRecord{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if _, ok := user.Credential(encodeCredentialID(parsed.RawID)); !ok {
			e.monitor.RecordError(ErrCredentialNotFound)
			return UserRecord{}, ErrCredentialNotFound
		}
		cred, err := e.webAuthn.ValidateLogin(webauthnUser{rec: user}, sessionData, parsed)
		if err != nil {
			e.monitor.RecordError(ErrInvalidCredential)
			return UserRecord{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if err := e.commitAssertion(ctx, user, cred); err != nil {
			return UserRecord{}, err
		}
		return user, nil
	}

	var resolved UserRecord
	handler := func(rawID, _ []byte) (webauthn.User, error) {
		user, err := e.users.GetUserByCredentialID(ctx, encodeCredentialID(rawID))
		if err != nil {
			return nil, err
		}
		resolved = user
		return webauthnUser{rec: user}, nil
	}
	cred, err := e.webAuthn.ValidateDiscoverableLogin(handler, sessionData, parsed)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, ErrCredentialNotFound
		}
		e.monitor.RecordError(ErrInvalidCredential)
		return UserRecord{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := e.commitAssertion(ctx, resolved, cred); err != nil {
		return UserRecord{}, err
	}
	return resolved, nil
}

// PairingStatus answers the originating browser's poll. Terminal sessions
// answer identically on every poll, each time with a freshly issued token for
// the picked-up account.
func (e *Engine) PairingStatus(ctx context.Context, sessionID string) (PairingStatusResult, error) {
	sess, err := e.pairings.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, stores.ErrPairingNotFound) {
			return PairingStatusResult{}, ErrPairingNotFound
		}
		return PairingStatusResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !sess.Terminal() {
		return PairingStatusResult{Pending: true, Status: sess.Status}, nil
	}

	user, err := e.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return PairingStatusResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	pair, err := e.issueToken(user)
	if err != nil {
		return PairingStatusResult{}, err
	}
	return PairingStatusResult{
		Authenticated: true,
		Status:        sess.Status,
		Token:         pair.Token,
		ExpiresAt:     pair.ExpiresAt,
		User:          user,
	}, nil
}

// loadPairing fetches a live (non-terminal) pairing session.
func (e *Engine) loadPairing(ctx context.Context, sessionID string) (*stores.PairingSession, error) {
	sess, err := e.pairings.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, stores.ErrPairingNotFound) {
			return nil, ErrPairingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if sess.Terminal() {
		return nil, ErrPairingResolved
	}
	return sess, nil
}

// savePairingCeremony stores the wrapped ceremony state under the pairing id.
func (e *Engine) savePairingCeremony(ctx context.Context, sessionID, kind string, sessionData *webauthn.SessionData) error {
	encoded, err := json.Marshal(pairingCeremony{Kind: kind, Session: *sessionData})
	if err != nil {
		return err
	}
	if err := e.challenges.Save(ctx, purposePairing, sessionID, encoded, e.cfg.Pairing.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
