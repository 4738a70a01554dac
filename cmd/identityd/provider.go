package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	identity "github.com/permitdesk/identity"
)

// redisProvider is a reference UserProvider backed by Redis hashes. Each user
// is one JSON blob plus two index keys (email, credential id). Deployments
// with a relational account store implement identity.UserProvider against
// that instead; this one is enough to run the daemon standalone.
type redisProvider struct {
	client redis.UniversalClient
}

const (
	userKeyPrefix  = "iduser:"
	emailKeyPrefix = "iduser:email:"
	credKeyPrefix  = "iduser:cred:"
	ipRingMax      = 10
)

func newRedisProvider(client redis.UniversalClient) *redisProvider {
	return &redisProvider{client: client}
}

type storedUser struct {
	UserID       string   `json:"userId"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	PasswordHash string   `json:"passwordHash"`
	History      []string `json:"passwordHistory,omitempty"`
	TokenVersion int64    `json:"tokenVersion"`

	MFAEnabled     bool   `json:"mfaEnabled"`
	MFAMethods     string `json:"mfaMethods,omitempty"`
	MFASecret      string `json:"mfaSecret,omitempty"`
	MFAReEnroll    bool   `json:"mfaReEnrollmentRequired,omitempty"`
	MustSetupMFA   bool   `json:"mustSetupMfa,omitempty"`
	DisablePending bool   `json:"mfaDisablePending,omitempty"`
	DisableAt      int64  `json:"mfaDisableScheduledFor,omitempty"`

	Credentials []storedCredential `json:"credentials,omitempty"`
	RecentIPs   []string           `json:"recentLoginIps,omitempty"`
}

type storedCredential struct {
	CredentialID string   `json:"credentialId"`
	PublicKey    []byte   `json:"publicKey"`
	SignCount    uint32   `json:"signCount"`
	Transports   []string `json:"transports,omitempty"`
	AddedAt      int64    `json:"addedAt"`
}

func toRecord(s storedUser) identity.UserRecord {
	u := identity.UserRecord{
		UserID:                  s.UserID,
		Email:                   s.Email,
		Role:                    identity.ParseRole(s.Role),
		PasswordHash:            s.PasswordHash,
		PasswordHistory:         s.History,
		TokenVersion:            s.TokenVersion,
		MFAEnabled:              s.MFAEnabled,
		MFAMethods:              s.MFAMethods,
		MFASecret:               s.MFASecret,
		MFAReEnrollmentRequired: s.MFAReEnroll,
		MustSetupMFA:            s.MustSetupMFA,
		MFADisablePending:       s.DisablePending,
		RecentLoginIPs:          s.RecentIPs,
	}
	if s.DisableAt > 0 {
		u.MFADisableScheduledFor = time.Unix(s.DisableAt, 0).UTC()
	}
	for _, c := range s.Credentials {
		u.WebAuthnCredentials = append(u.WebAuthnCredentials, identity.WebAuthnCredential{
			CredentialID: c.CredentialID,
			PublicKey:    c.PublicKey,
			SignCount:    c.SignCount,
			Transports:   c.Transports,
			AddedAt:      time.Unix(c.AddedAt, 0).UTC(),
		})
	}
	return u
}

func fromRecord(u identity.UserRecord) storedUser {
	s := storedUser{
		UserID:       u.UserID,
		Email:        u.Email,
		Role:         u.Role.String(),
		PasswordHash: u.PasswordHash,
		History:      u.PasswordHistory,
		TokenVersion: u.TokenVersion,
		MFAEnabled:   u.MFAEnabled,
		MFAMethods:   u.MFAMethods,
		MFASecret:    u.MFASecret,
		MFAReEnroll:  u.MFAReEnrollmentRequired,
		MustSetupMFA: u.MustSetupMFA,
		RecentIPs:    u.RecentLoginIPs,

		DisablePending: u.MFADisablePending,
	}
	if !u.MFADisableScheduledFor.IsZero() {
		s.DisableAt = u.MFADisableScheduledFor.Unix()
	}
	for _, c := range u.WebAuthnCredentials {
		s.Credentials = append(s.Credentials, storedCredential{
			CredentialID: c.CredentialID,
			PublicKey:    c.PublicKey,
			SignCount:    c.SignCount,
			Transports:   c.Transports,
			AddedAt:      c.AddedAt.Unix(),
		})
	}
	return s
}

func (p *redisProvider) load(ctx context.Context, userID string) (storedUser, error) {
	raw, err := p.client.Get(ctx, userKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return storedUser{}, identity.ErrUserNotFound
	}
	if err != nil {
		return storedUser{}, fmt.Errorf("load user: %w", err)
	}
	var s storedUser
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return storedUser{}, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return s, nil
}

func (p *redisProvider) save(ctx context.Context, s storedUser) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, userKeyPrefix+s.UserID, raw, 0).Err()
}

// mutate applies fn under a WATCH on the user key so concurrent writers
// serialize on the whole record.
func (p *redisProvider) mutate(ctx context.Context, userID string, fn func(*storedUser) error) error {
	key := userKeyPrefix + userID
	return p.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return identity.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		var s storedUser
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		out, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
}

// CreateUser registers a new account with its index keys. Used by the seed
// path and kept exported on the concrete type for embedding applications.
func (p *redisProvider) CreateUser(ctx context.Context, u identity.UserRecord) error {
	s := fromRecord(u)
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKeyPrefix+u.UserID, raw, 0)
		pipe.Set(ctx, emailKeyPrefix+strings.ToLower(u.Email), u.UserID, 0)
		return nil
	})
	return err
}

func (p *redisProvider) GetUserByEmail(ctx context.Context, email string) (identity.UserRecord, error) {
	id, err := p.client.Get(ctx, emailKeyPrefix+strings.ToLower(email)).Result()
	if errors.Is(err, redis.Nil) {
		return identity.UserRecord{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.UserRecord{}, err
	}
	return p.GetUserByID(ctx, id)
}

func (p *redisProvider) GetUserByID(ctx context.Context, userID string) (identity.UserRecord, error) {
	s, err := p.load(ctx, userID)
	if err != nil {
		return identity.UserRecord{}, err
	}
	return toRecord(s), nil
}

func (p *redisProvider) GetUserByCredentialID(ctx context.Context, credentialID string) (identity.UserRecord, error) {
	id, err := p.client.Get(ctx, credKeyPrefix+credentialID).Result()
	if errors.Is(err, redis.Nil) {
		return identity.UserRecord{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.UserRecord{}, err
	}
	return p.GetUserByID(ctx, id)
}

func (p *redisProvider) UpdatePassword(ctx context.Context, userID, newHash string, history []string) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.PasswordHash = newHash
		s.History = append([]string{}, history...)
		return nil
	})
}

func (p *redisProvider) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	var version int64
	err := p.mutate(ctx, userID, func(s *storedUser) error {
		s.TokenVersion++
		version = s.TokenVersion
		return nil
	})
	return version, err
}

func (p *redisProvider) SetMFASecret(ctx context.Context, userID, encryptedSecret string) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.MFASecret = encryptedSecret
		return nil
	})
}

func (p *redisProvider) SetMFAState(ctx context.Context, userID string, enabled bool, methods string) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.MFAEnabled = enabled
		s.MFAMethods = methods
		return nil
	})
}

func (p *redisProvider) SetMFAReEnrollment(ctx context.Context, userID string, required bool) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.MFAReEnroll = required
		return nil
	})
}

func (p *redisProvider) ClearMustSetupMFA(ctx context.Context, userID string) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.MustSetupMFA = false
		return nil
	})
}

func (p *redisProvider) SetMFADisableSchedule(ctx context.Context, userID string, pending bool, scheduledFor time.Time) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.DisablePending = pending
		if pending {
			s.DisableAt = scheduledFor.Unix()
		} else {
			s.DisableAt = 0
		}
		return nil
	})
}

// ListDueMFADisables scans the user keyspace. Fine at permit-portal account
// counts; a relational provider would use an indexed query here.
func (p *redisProvider) ListDueMFADisables(ctx context.Context, now time.Time) ([]identity.UserRecord, error) {
	var due []identity.UserRecord
	iter := p.client.Scan(ctx, 0, userKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, emailKeyPrefix) || strings.HasPrefix(key, credKeyPrefix) {
			continue
		}
		raw, err := p.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var s storedUser
		if json.Unmarshal([]byte(raw), &s) != nil {
			continue
		}
		if s.DisablePending && s.DisableAt > 0 && s.DisableAt <= now.Unix() {
			due = append(due, toRecord(s))
		}
	}
	return due, iter.Err()
}

func (p *redisProvider) AddWebAuthnCredential(ctx context.Context, userID string, cred identity.WebAuthnCredential) error {
	err := p.mutate(ctx, userID, func(s *storedUser) error {
		s.Credentials = append(s.Credentials, storedCredential{
			CredentialID: cred.CredentialID,
			PublicKey:    cred.PublicKey,
			SignCount:    cred.SignCount,
			Transports:   cred.Transports,
			AddedAt:      cred.AddedAt.Unix(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	return p.client.Set(ctx, credKeyPrefix+cred.CredentialID, userID, 0).Err()
}

func (p *redisProvider) UpdateWebAuthnSignCount(ctx context.Context, userID, credentialID string, signCount uint32) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		for i := range s.Credentials {
			if s.Credentials[i].CredentialID == credentialID {
				s.Credentials[i].SignCount = signCount
				return nil
			}
		}
		return identity.ErrCredentialNotFound
	})
}

func (p *redisProvider) RemoveWebAuthnCredential(ctx context.Context, userID, credentialID string) error {
	err := p.mutate(ctx, userID, func(s *storedUser) error {
		kept := s.Credentials[:0]
		for _, c := range s.Credentials {
			if c.CredentialID != credentialID {
				kept = append(kept, c)
			}
		}
		s.Credentials = kept
		return nil
	})
	if err != nil {
		return err
	}
	return p.client.Del(ctx, credKeyPrefix+credentialID).Err()
}

func (p *redisProvider) RecordLoginIP(ctx context.Context, userID, ip string) error {
	return p.mutate(ctx, userID, func(s *storedUser) error {
		s.RecentIPs = append(s.RecentIPs, ip)
		if len(s.RecentIPs) > ipRingMax {
			s.RecentIPs = s.RecentIPs[len(s.RecentIPs)-ipRingMax:]
		}
		return nil
	})
}
