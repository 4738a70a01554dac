// Package stores holds the Redis-backed ephemeral state of the MFA and
// pairing flows: single-use ceremony challenges, cross-device pairing
// sessions, and emailed one-time login codes. Everything here carries an
// explicit TTL; expired artifacts are rejected, never silently accepted.
package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrChallengeNotFound means no pending challenge exists for the key.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeBackend means the challenge backend is unreachable.
	ErrChallengeBackend = errors.New("challenge backend unavailable")
)

// ChallengeStore keeps pending WebAuthn ceremony state, keyed by purpose and
// account (or pairing session). Challenges are single-use: Take removes the
// record atomically so a challenge can never verify twice.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewChallengeStore creates a store with the given key prefix.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "wac"
	}
	return &ChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *ChallengeStore) key(purpose, owner string) string {
	return s.prefix + ":" + purpose + ":" + owner
}

// Save stores serialized ceremony state, replacing any prior pending
// challenge for the same purpose and owner.
func (s *ChallengeStore) Save(ctx context.Context, purpose, owner string, data []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(purpose, owner), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Take removes and returns the pending challenge. A missing or expired record
// yields ErrChallengeNotFound.
func (s *ChallengeStore) Take(ctx context.Context, purpose, owner string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, s.key(purpose, owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return data, nil
}
