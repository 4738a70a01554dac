// Package identity is the account security engine behind the permit portal:
// password verification with policy and history, temporary lockout, signed
// session tokens revocable in bulk through a monotonic token version, MFA in
// two tracks (authenticator codes and passkeys) plus an emailed-code fallback
// for standard accounts, cross-device QR pairing, a device session registry,
// a tamper-evident audit trail, and a security monitor.
//
// The engine is storage-agnostic over user records: callers supply a
// UserProvider backed by their credential store. Everything operational
// (lockout counters, challenges, pairing sessions, one-time codes, device
// sessions, audit entries) lives in Redis so multiple instances can serve the
// same accounts.
//
// Construction goes through the Builder:
//
//	engine, err := identity.NewBuilder().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithUserProvider(users).
//		WithNotifier(mailer).
//		Build()
package identity
