package stores

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrOTPNotFound means no pending code exists for the account.
	ErrOTPNotFound = errors.New("one-time code not found")
	// ErrOTPMismatch means the presented code did not match.
	ErrOTPMismatch = errors.New("one-time code mismatch")
	// ErrOTPAttemptsExceeded means the per-code guess budget is spent.
	ErrOTPAttemptsExceeded = errors.New("one-time code attempts exceeded")
	// ErrOTPBackend means the code backend is unreachable.
	ErrOTPBackend = errors.New("one-time code backend unavailable")
)

type otpRecord struct {
	CodeHash []byte `json:"h"`
	Attempts int    `json:"a"`
}

// OTPStore keeps hashed emailed codes with an independent per-code attempt
// budget. The budget is deliberately separate from the account lockout
// counter so code guessing cannot burn a victim's password budget. Codes are
// keyed by purpose as well as account, so a code issued for one flow is never
// a valid possession proof for another.
type OTPStore struct {
	redis       redis.UniversalClient
	prefix      string
	maxAttempts int
}

// NewOTPStore creates a store enforcing the given guess budget.
func NewOTPStore(redisClient redis.UniversalClient, prefix string, maxAttempts int) *OTPStore {
	if prefix == "" {
		prefix = "lotp"
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &OTPStore{redis: redisClient, prefix: prefix, maxAttempts: maxAttempts}
}

func (s *OTPStore) key(purpose, userID string) string {
	return s.prefix + ":" + purpose + ":" + userID
}

// Save stores a fresh code for the purpose and user, replacing any
// outstanding one. Only the sha256 of the code is persisted.
func (s *OTPStore) Save(ctx context.Context, purpose, userID, code string, ttl time.Duration) error {
	sum := sha256.Sum256([]byte(code))
	encoded, err := json.Marshal(otpRecord{CodeHash: sum[:]})
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(purpose, userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPBackend, err)
	}
	return nil
}

// Redeem verifies the code against the pending record. A match consumes the
// record; a mismatch burns one attempt, and exhausting the budget deletes the
// record so the flow must restart. Concurrent redeems cannot double-spend a
// code: deletion and attempt accounting run under WATCH.
func (s *OTPStore) Redeem(ctx context.Context, purpose, userID, code string) error {
	const maxRetries = 4
	key := s.key(purpose, userID)
	sum := sha256.Sum256([]byte(code))

	for i := 0; i < maxRetries; i++ {
		var verdict error
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var record otpRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("%w: corrupt record", ErrOTPBackend)
			}

			if subtle.ConstantTimeCompare(record.CodeHash, sum[:]) == 1 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			record.Attempts++
			if record.Attempts >= s.maxAttempts {
				verdict = ErrOTPAttemptsExceeded
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			verdict = ErrOTPMismatch
			ttl, err := tx.TTL(ctx, key).Result()
			if err != nil || ttl <= 0 {
				return redis.Nil
			}
			updated, err := json.Marshal(record)
			if err != nil {
				return err
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
				return ErrOTPNotFound
			}
			return fmt.Errorf("%w: %v", ErrOTPBackend, err)
		}
		return verdict
	}
	return ErrOTPNotFound
}
