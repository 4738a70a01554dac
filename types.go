package identity

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Role is the closed capability class resolved once at the boundary.
// Handlers and flows branch on the enum, never on raw role strings.
type Role uint8

const (
	// RoleStandard covers business-owner accounts with default privileges.
	RoleStandard Role = iota
	// RoleStaff covers officer and inspector accounts.
	RoleStaff
	// RoleElevated covers admin-class accounts. Elevated accounts must have an
	// enrolled MFA factor to log in at all and get shorter session lifetimes.
	RoleElevated
)

// ParseRole maps a stored role slug onto the capability enum. Unknown slugs
// degrade to RoleStandard.
func ParseRole(slug string) Role {
	switch strings.ToLower(strings.TrimSpace(slug)) {
	case "elevated", "admin", "superadmin":
		return RoleElevated
	case "staff", "officer", "lgu-officer", "inspector":
		return RoleStaff
	default:
		return RoleStandard
	}
}

func (r Role) String() string {
	switch r {
	case RoleElevated:
		return "elevated"
	case RoleStaff:
		return "staff"
	default:
		return "standard"
	}
}

// Elevated reports whether the role belongs to the admin capability class.
func (r Role) Elevated() bool { return r == RoleElevated }

// MFAMethod names one enrolled factor capability.
type MFAMethod string

const (
	// MethodAuthenticator is the TOTP track.
	MethodAuthenticator MFAMethod = "authenticator"
	// MethodPasskey is the WebAuthn track.
	MethodPasskey MFAMethod = "passkey"
	// MethodEmailCode is the emailed one-time-code fallback for non-elevated roles.
	MethodEmailCode MFAMethod = "email"
)

// JoinMethods renders a capability set in its durable comma-joined form,
// deduplicated and sorted for a stable representation.
func JoinMethods(methods []MFAMethod) string {
	seen := make(map[string]struct{}, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		s := strings.ToLower(strings.TrimSpace(string(m)))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// SplitMethods parses the durable comma-joined capability set.
func SplitMethods(joined string) []MFAMethod {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]MFAMethod, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, MFAMethod(p))
		}
	}
	return out
}

// HasMethod reports whether the joined capability set contains the method.
func HasMethod(joined string, method MFAMethod) bool {
	for _, m := range SplitMethods(joined) {
		if m == method {
			return true
		}
	}
	return false
}

// WebAuthnCredential is one registered passkey. CredentialID is base64url and
// unique within the owning user. SignCount enforces the monotonic-counter
// clone check on every assertion.
type WebAuthnCredential struct {
	CredentialID string
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	AddedAt      time.Time
}

// UserRecord is the full account record returned by [UserProvider]. The
// credential store owns the durable copy; the engine treats record-level
// writes as last-write-wins and never merges sub-fields.
type UserRecord struct {
	UserID       string
	Email        string
	Role         Role
	PasswordHash string

	// PasswordHistory holds prior hashes, newest last, at most the configured
	// depth (default 5).
	PasswordHistory []string

	// TokenVersion is monotone non-decreasing. Incrementing it invalidates
	// every previously issued token for the user.
	TokenVersion int64

	MFAEnabled bool
	// MFAMethods is the comma-joined capability set, e.g. "authenticator,passkey".
	MFAMethods string
	// MFASecret is the TOTP secret encrypted under a key derived from the
	// current password hash. A password change makes it unrecoverable.
	MFASecret               string
	MFAReEnrollmentRequired bool
	MustSetupMFA            bool

	MFADisablePending      bool
	MFADisableScheduledFor time.Time

	WebAuthnCredentials []WebAuthnCredential

	// RecentLoginIPs is a bounded ring of source addresses, newest last.
	RecentLoginIPs []string

	DeletionPending      bool
	DeletionScheduledFor time.Time
}

// HasPasskeys reports whether the account has at least one registered credential.
func (u *UserRecord) HasPasskeys() bool { return len(u.WebAuthnCredentials) > 0 }

// Credential returns the registered credential with the given id, if any.
func (u *UserRecord) Credential(credentialID string) (WebAuthnCredential, bool) {
	for _, c := range u.WebAuthnCredentials {
		if c.CredentialID == credentialID {
			return c, true
		}
	}
	return WebAuthnCredential{}, false
}

// UserProvider is the interface callers implement to connect the engine to
// their credential store. Every write is a record-level last-write-wins
// update; BumpTokenVersion must be linearizable with respect to reads of the
// same record (read-after-write on one record).
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	// GetUserByCredentialID resolves the owner of a WebAuthn credential id.
	// Required for the discoverable (userless) cross-device flow.
	GetUserByCredentialID(ctx context.Context, credentialID string) (UserRecord, error)

	// UpdatePassword replaces the hash and the full bounded history in one write.
	UpdatePassword(ctx context.Context, userID, newHash string, history []string) error
	// BumpTokenVersion increments the user's token version and returns the new value.
	BumpTokenVersion(ctx context.Context, userID string) (int64, error)

	SetMFASecret(ctx context.Context, userID, encryptedSecret string) error
	// SetMFAState replaces the enabled flag and the capability set in one write.
	SetMFAState(ctx context.Context, userID string, enabled bool, methods string) error
	SetMFAReEnrollment(ctx context.Context, userID string, required bool) error
	ClearMustSetupMFA(ctx context.Context, userID string) error
	SetMFADisableSchedule(ctx context.Context, userID string, pending bool, scheduledFor time.Time) error
	// ListDueMFADisables returns users whose scheduled disable time has passed.
	ListDueMFADisables(ctx context.Context, now time.Time) ([]UserRecord, error)

	AddWebAuthnCredential(ctx context.Context, userID string, cred WebAuthnCredential) error
	UpdateWebAuthnSignCount(ctx context.Context, userID, credentialID string, signCount uint32) error
	RemoveWebAuthnCredential(ctx context.Context, userID, credentialID string) error

	// RecordLoginIP appends to the bounded recent-IP ring.
	RecordLoginIP(ctx context.Context, userID, ip string) error
}

// Notifier delivers one-time login codes out of band. Delivery is best-effort
// from the engine's point of view; failures are surfaced but never retried inline.
type Notifier interface {
	SendLoginCode(ctx context.Context, email, code string) error
}

// TokenPair is the issued session token and its expiry.
type TokenPair struct {
	Token     string
	ExpiresAt time.Time
}

// LoginResult is returned by the login flows. When MFARequired is set the
// token fields are empty and the caller must complete a factor step.
type LoginResult struct {
	MFARequired bool
	// Methods lists the factor capabilities the account can complete.
	Methods []MFAMethod
	// CodeSent reports that a fallback one-time code was emailed.
	CodeSent bool

	Token     string
	ExpiresAt time.Time
	User      UserRecord
}

// LockoutStatus reports the temporary-lockout state for an account.
type LockoutStatus struct {
	Locked           bool
	LockedUntil      time.Time
	RemainingMinutes int
	Attempts         int
}

// TOTPProvision is returned by TOTP setup: the plaintext secret shown once to
// the user plus the otpauth provisioning URI.
type TOTPProvision struct {
	Secret string
	URI    string
}

// CredentialInfo is the listing shape for registered passkeys.
type CredentialInfo struct {
	CredentialID string
	Transports   []string
	SignCount    uint32
	AddedAt      time.Time
}
