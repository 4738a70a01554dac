package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrPairingNotFound means the pairing session id is unknown or expired.
	ErrPairingNotFound = errors.New("pairing session not found")
	// ErrPairingResolved means a second resolution targeted an already-terminal session.
	ErrPairingResolved = errors.New("pairing session already resolved")
	// ErrPairingBackend means the pairing backend is unreachable.
	ErrPairingBackend = errors.New("pairing backend unavailable")
)

// Pairing session lifecycle. Transitions run pending → {authenticated,
// registered} only; terminal states never change.
const (
	PairingPending       = "pending"
	PairingAuthenticated = "authenticated"
	PairingRegistered    = "registered"
)

// PairingSession is one cross-device QR pairing attempt. Email is empty for
// the discoverable (userless) flow. UserID is set by the winning resolution.
type PairingSession struct {
	Email     string    `json:"email,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the session reached an outcome.
func (p *PairingSession) Terminal() bool {
	return p.Status == PairingAuthenticated || p.Status == PairingRegistered
}

// PairingStore keeps pairing sessions in Redis under a short TTL so polling
// works across instances. Resolution uses WATCH so that concurrent complete
// calls settle on exactly one winner.
type PairingStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewPairingStore creates a store with the given key prefix.
func NewPairingStore(redisClient redis.UniversalClient, prefix string) *PairingStore {
	if prefix == "" {
		prefix = "cdp"
	}
	return &PairingStore{redis: redisClient, prefix: prefix}
}

func (s *PairingStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Create stores a fresh pending session under the TTL.
func (s *PairingStore) Create(ctx context.Context, sessionID string, session *PairingSession, ttl time.Duration) error {
	session.Status = PairingPending
	encoded, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(sessionID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPairingBackend, err)
	}
	return nil
}

// Get returns the session. Missing keys (including TTL expiry) yield
// ErrPairingNotFound; callers map that to expired where they know a session
// was previously issued.
func (s *PairingStore) Get(ctx context.Context, sessionID string) (*PairingSession, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPairingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPairingBackend, err)
	}

	var session PairingSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: corrupt record", ErrPairingBackend)
	}
	return &session, nil
}

// Resolve transitions a pending session to the terminal status and records
// the resolved user. Exactly one concurrent caller wins; the rest observe
// ErrPairingResolved. The record's remaining TTL is preserved so the
// originating browser can pick the outcome up by polling.
func (s *PairingStore) Resolve(ctx context.Context, sessionID, status, userID string) error {
	if status != PairingAuthenticated && status != PairingRegistered {
		return errors.New("invalid terminal pairing status")
	}

	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var session PairingSession
			if err := json.Unmarshal(data, &session); err != nil {
				return fmt.Errorf("%w: corrupt record", ErrPairingBackend)
			}
			if session.Terminal() {
				return ErrPairingResolved
			}

			session.Status = status
			session.UserID = userID
			updated, err := json.Marshal(&session)
			if err != nil {
				return err
			}

			ttl, err := tx.TTL(ctx, key).Result()
			if err != nil || ttl <= 0 {
				return redis.Nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrPairingNotFound
			}
			if errors.Is(err, ErrPairingResolved) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrPairingBackend, err)
		}
		return nil
	}
	return ErrPairingNotFound
}
