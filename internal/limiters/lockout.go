// Package limiters holds the Redis-backed counters that bound abusive
// behavior: the per-account lockout tracker lives here.
package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockoutUnavailable indicates the lockout backend is unreachable.
var ErrLockoutUnavailable = errors.New("lockout backend unavailable")

// LockoutConfig holds the failed-verification lockout parameters.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
}

// LockoutState is the per-user snapshot returned by Status and RecordFailure.
type LockoutState struct {
	Locked      bool
	Attempts    int
	LockedUntil time.Time
}

// RemainingMinutes reports whole minutes until the lock expires, rounded up.
func (s LockoutState) RemainingMinutes(now time.Time) int {
	if !s.Locked || !s.LockedUntil.After(now) {
		return 0
	}
	remaining := s.LockedUntil.Sub(now)
	return int((remaining + time.Minute - 1) / time.Minute)
}

// recordFailureScript atomically increments the attempt counter and stamps the
// lock boundary when the threshold is reached. An already-active lock is never
// extended by further failures.
const recordFailureScript = `
local lockuntil = tonumber(redis.call("HGET", KEYS[1], "lockuntil") or "0")
local now = tonumber(ARGV[1])
if lockuntil > now then
  local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0")
  return {attempts, lockuntil}
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
if attempts >= tonumber(ARGV[2]) then
  lockuntil = now + tonumber(ARGV[3])
  redis.call("HSET", KEYS[1], "lockuntil", lockuntil)
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]) * 2)
return {attempts, lockuntil}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// LockoutTracker counts failed verification attempts per user and enforces a
// fixed temporary lockout window once the threshold is reached.
type LockoutTracker struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockoutTracker creates a tracker backed by the given Redis client.
func NewLockoutTracker(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutTracker {
	return &LockoutTracker{redis: redisClient, config: cfg}
}

func (t *LockoutTracker) key(userID string) string {
	return "alo:" + userID
}

// RecordFailure increments the failure counter and returns the resulting
// state. Reaching the threshold stamps lockedUntil = now + window; concurrent
// increments cannot lose updates or extend an active lock.
func (t *LockoutTracker) RecordFailure(ctx context.Context, userID string) (LockoutState, error) {
	if !t.config.Enabled || userID == "" {
		return LockoutState{}, nil
	}

	now := time.Now()
	res, err := recordFailureLua.Run(ctx, t.redis, []string{t.key(userID)},
		now.Unix(), t.config.Threshold, int64(t.config.Window.Seconds())).Int64Slice()
	if err != nil || len(res) != 2 {
		return LockoutState{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	state := LockoutState{Attempts: int(res[0])}
	if res[1] > 0 {
		state.LockedUntil = time.Unix(res[1], 0)
		state.Locked = state.LockedUntil.After(now)
	}
	return state, nil
}

// Status reports the current lockout state. An expired lock is cleared lazily
// on read; no background sweep is required for correctness.
func (t *LockoutTracker) Status(ctx context.Context, userID string) (LockoutState, error) {
	if !t.config.Enabled || userID == "" {
		return LockoutState{}, nil
	}

	fields, err := t.redis.HGetAll(ctx, t.key(userID)).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if len(fields) == 0 {
		return LockoutState{}, nil
	}

	var state LockoutState
	fmt.Sscanf(fields["attempts"], "%d", &state.Attempts)

	var lockUnix int64
	fmt.Sscanf(fields["lockuntil"], "%d", &lockUnix)
	if lockUnix > 0 {
		until := time.Unix(lockUnix, 0)
		if until.After(time.Now()) {
			state.Locked = true
			state.LockedUntil = until
			return state, nil
		}
		// Lock expired: clear the record so the next failure starts fresh.
		if err := t.redis.Del(ctx, t.key(userID)).Err(); err != nil {
			return LockoutState{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
		return LockoutState{}, nil
	}
	return state, nil
}

// Clear resets the counter and drops any active lock. Called only after a
// successful full authentication, or by an operator unlock.
func (t *LockoutTracker) Clear(ctx context.Context, userID string) error {
	if !t.config.Enabled || userID == "" {
		return nil
	}
	if err := t.redis.Del(ctx, t.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}
