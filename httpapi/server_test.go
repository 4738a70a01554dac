package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	identity "github.com/permitdesk/identity"
	"github.com/permitdesk/identity/password"
)

/* ==== in-memory user provider ==== */

type fakeUsers struct {
	mu   sync.Mutex
	byID map[string]*identity.UserRecord
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[string]*identity.UserRecord)}
}

func (p *fakeUsers) add(u identity.UserRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := u
	p.byID[u.UserID] = &cp
}

func (p *fakeUsers) GetUserByEmail(_ context.Context, email string) (identity.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.byID {
		if u.Email == email {
			return *u, nil
		}
	}
	return identity.UserRecord{}, identity.ErrUserNotFound
}

func (p *fakeUsers) GetUserByID(_ context.Context, userID string) (identity.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.byID[userID]
	if !ok {
		return identity.UserRecord{}, identity.ErrUserNotFound
	}
	return *u, nil
}

func (p *fakeUsers) GetUserByCredentialID(_ context.Context, credentialID string) (identity.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.byID {
		for _, c := range u.WebAuthnCredentials {
			if c.CredentialID == credentialID {
				return *u, nil
			}
		}
	}
	return identity.UserRecord{}, identity.ErrUserNotFound
}

func (p *fakeUsers) UpdatePassword(_ context.Context, userID, newHash string, history []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.PasswordHash = newHash
	u.PasswordHistory = append([]string{}, history...)
	return nil
}

func (p *fakeUsers) BumpTokenVersion(_ context.Context, userID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (p *fakeUsers) SetMFASecret(_ context.Context, userID, encryptedSecret string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[userID].MFASecret = encryptedSecret
	return nil
}

func (p *fakeUsers) SetMFAState(_ context.Context, userID string, enabled bool, methods string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.MFAEnabled = enabled
	u.MFAMethods = methods
	return nil
}

func (p *fakeUsers) SetMFAReEnrollment(_ context.Context, userID string, required bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[userID].MFAReEnrollmentRequired = required
	return nil
}

func (p *fakeUsers) ClearMustSetupMFA(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[userID].MustSetupMFA = false
	return nil
}

func (p *fakeUsers) SetMFADisableSchedule(_ context.Context, userID string, pending bool, scheduledFor time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.MFADisablePending = pending
	u.MFADisableScheduledFor = scheduledFor
	return nil
}

func (p *fakeUsers) ListDueMFADisables(_ context.Context, now time.Time) ([]identity.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []identity.UserRecord
	for _, u := range p.byID {
		if u.MFADisablePending && !u.MFADisableScheduledFor.After(now) {
			due = append(due, *u)
		}
	}
	return due, nil
}

func (p *fakeUsers) AddWebAuthnCredential(_ context.Context, userID string, cred identity.WebAuthnCredential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.WebAuthnCredentials = append(u.WebAuthnCredentials, cred)
	return nil
}

func (p *fakeUsers) UpdateWebAuthnSignCount(_ context.Context, userID, credentialID string, signCount uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	for i := range u.WebAuthnCredentials {
		if u.WebAuthnCredentials[i].CredentialID == credentialID {
			u.WebAuthnCredentials[i].SignCount = signCount
			return nil
		}
	}
	return identity.ErrCredentialNotFound
}

func (p *fakeUsers) RemoveWebAuthnCredential(_ context.Context, userID, credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	kept := u.WebAuthnCredentials[:0]
	for _, c := range u.WebAuthnCredentials {
		if c.CredentialID != credentialID {
			kept = append(kept, c)
		}
	}
	u.WebAuthnCredentials = kept
	return nil
}

func (p *fakeUsers) RecordLoginIP(_ context.Context, userID, ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.byID[userID]
	u.RecentLoginIPs = append(u.RecentLoginIPs, ip)
	return nil
}

type dropNotifier struct{}

func (dropNotifier) SendLoginCode(context.Context, string, string) error { return nil }

/* ==== harness ==== */

type harness struct {
	engine *identity.Engine
	users  *fakeUsers
	server *Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := newFakeUsers()
	engine, err := identity.NewBuilder().
		WithConfig(identity.Config{
			Token:    identity.TokenConfig{Secret: []byte("0123456789abcdef0123456789abcdef")},
			Password: identity.PasswordConfig{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		}).
		WithRedis(client).
		WithUserProvider(users).
		WithNotifier(dropNotifier{}).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &harness{
		engine: engine,
		users:  users,
		server: New(engine, client, log, cfg),
	}
}

const testPassword = "Corr3ct!Horse#Battery"

func (h *harness) seedWithPassword(t *testing.T, u identity.UserRecord) {
	t.Helper()
	u.PasswordHash = mustHash(t, testPassword)
	h.users.add(u)
}

func mustHash(t *testing.T, plain string) string {
	t.Helper()
	hasher, err := password.NewHasher(password.Config{
		Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	hash, err := hasher.Hash(plain)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return hash
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

// loginToken runs the full login flow for a seeded standard user.
func (h *harness) loginToken(t *testing.T, email string) string {
	t.Helper()
	w := h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
		"email": email, "password": testPassword,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in %v", body)
	}
	return token
}

// elevatedToken provisions TOTP for an elevated account and completes the
// two-step login through the engine.
func (h *harness) elevatedToken(t *testing.T, userID, email string) string {
	t.Helper()
	ctx := context.Background()
	provision, err := h.engine.SetupTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	code, _ := totp.GenerateCode(provision.Secret, time.Now())
	if err := h.engine.VerifyTOTP(ctx, userID, code); err != nil {
		t.Fatalf("verify totp: %v", err)
	}
	code, _ = totp.GenerateCode(provision.Secret, time.Now())
	result, err := h.engine.VerifyLoginTOTP(ctx, email, code, "127.0.0.1", "test")
	if err != nil {
		t.Fatalf("totp login: %v", err)
	}
	return result.Token
}

/* ==== tests ==== */

func TestLoginEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})

	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodGet, "/api/auth/session/active", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated request failed: %d %s", w.Code, w.Body.String())
	}
}

func TestLoginEndpointRejectsWrongPassword(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})

	w := h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
		"email": "owner@biz.ph", "password": "Wrong1ng!Password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	if !ok || errObj["code"] != "invalid_credentials" {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestMissingBearerToken(t *testing.T) {
	h := newHarness(t, Config{})
	w := h.do(http.MethodGet, "/api/auth/session/active", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodPost, "/api/auth/logout-all", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout-all: %d %s", w.Code, w.Body.String())
	}
	w = h.do(http.MethodGet, "/api/auth/session/active", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token should be rejected, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "token_invalidated" {
		t.Fatalf("expected token_invalidated, got %v", errObj)
	}
}

func TestAdminGateRejectsStandardRole(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodGet, "/api/admin/monitoring/stats", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for standard role, got %d", w.Code)
	}
}

func TestMonitoringStatsForElevated(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "a1", Email: "admin@biz.ph", Role: identity.RoleElevated})
	token := h.elevatedToken(t, "a1", "admin@biz.ph")

	w := h.do(http.MethodGet, "/api/admin/monitoring/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, ok := body["errorsBySeverity"]; !ok {
		t.Fatalf("missing severity counters: %v", body)
	}
	for _, key := range []string{"errorsLastMinute", "errorsLastHour", "errorsLastDay"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing windowed counter %s: %v", key, body)
		}
	}
}

func TestAdminUnlockEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "a1", Email: "admin@biz.ph", Role: identity.RoleElevated})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	adminToken := h.elevatedToken(t, "a1", "admin@biz.ph")

	for i := 0; i < 5; i++ {
		h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
			"email": "owner@biz.ph", "password": "Wrong1ng!Password",
		})
	}
	w := h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
		"email": "owner@biz.ph", "password": testPassword,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected lockout, got %d", w.Code)
	}

	w = h.do(http.MethodPost, "/api/admin/accounts/u1/unlock", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unlock: %d %s", w.Code, w.Body.String())
	}
	if token := h.loginToken(t, "owner@biz.ph"); token == "" {
		t.Fatal("login after unlock should succeed")
	}
}

func TestPairingStatusUnknown(t *testing.T) {
	h := newHarness(t, Config{})
	w := h.do(http.MethodGet, "/api/auth/webauthn/cross-device/status/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "session_not_found" {
		t.Fatalf("unexpected code: %v", errObj)
	}
}

func TestAuthenticateStartNoPasskeys(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})

	w := h.do(http.MethodPost, "/api/auth/webauthn/authenticate/start", "", map[string]string{
		"email": "owner@biz.ph",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "no_passkeys" {
		t.Fatalf("unexpected code: %v", errObj)
	}
}

func TestLoginRateLimit(t *testing.T) {
	h := newHarness(t, Config{LoginRateLimit: 2, LoginRateWindow: time.Minute})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
			"email": "owner@biz.ph", "password": testPassword,
		})
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d should be within budget", i+1)
		}
	}
	w := h.do(http.MethodPost, "/api/auth/login/start", "", map[string]string{
		"email": "owner@biz.ph", "password": testPassword,
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodPost, "/api/auth/change-password-authenticated", token, map[string]string{
		"currentPassword": testPassword,
		"newPassword":     "N3w!Horse#Battery9",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("change password: %d %s", w.Code, w.Body.String())
	}
	newToken := decodeBody(t, w)["token"].(string)

	// The pre-change token is now dead; the returned one works.
	if w := h.do(http.MethodGet, "/api/auth/session/active", token, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("old token should be revoked, got %d", w.Code)
	}
	if w := h.do(http.MethodGet, "/api/auth/session/active", newToken, nil); w.Code != http.StatusOK {
		t.Fatalf("new token should work, got %d", w.Code)
	}
}

func TestMFAStatusReflectsEnrollment(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodGet, "/api/auth/mfa/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["mfaEnabled"] != false {
		t.Fatalf("expected mfaEnabled=false, got %v", body)
	}

	provision, err := h.engine.SetupTOTP(context.Background(), "u1")
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	code, _ := totp.GenerateCode(provision.Secret, time.Now())
	if err := h.engine.VerifyTOTP(context.Background(), "u1", code); err != nil {
		t.Fatalf("verify totp: %v", err)
	}

	// Enrollment bumps nothing token-wise; the same token now reports the
	// enabled state.
	w = h.do(http.MethodGet, "/api/auth/mfa/status", token, nil)
	body = decodeBody(t, w)
	if body["mfaEnabled"] != true || body["mfaMethods"] != "authenticator" {
		t.Fatalf("expected enrolled state, got %v", body)
	}
}

func TestWeakPasswordEnvelope(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedWithPassword(t, identity.UserRecord{UserID: "u1", Email: "owner@biz.ph"})
	token := h.loginToken(t, "owner@biz.ph")

	w := h.do(http.MethodPost, "/api/auth/change-password-authenticated", token, map[string]string{
		"currentPassword": testPassword,
		"newPassword":     "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	errObj := decodeBody(t, w)["error"].(map[string]any)
	if errObj["code"] != "weak_password" {
		t.Fatalf("unexpected code: %v", errObj)
	}
}
