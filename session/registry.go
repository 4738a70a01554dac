// Package session tracks concrete active sessions per user — device, address,
// activity, expiry — independent of the stateless token layer. Registry
// entries are bookkeeping for device-list hygiene: a stale session is flagged
// inactive, never deleted on expiry, so the audit trail stays intact. Full
// token revocation is a separate mechanism (tokenVersion) one layer up.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound means the session does not exist or belongs to another user.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable means the registry backend is unreachable.
	ErrUnavailable = errors.New("session registry unavailable")
)

// Session is one tracked device session.
type Session struct {
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	TokenVersion       int64     `json:"token_version"`
	IPAddress          string    `json:"ip_address"`
	UserAgent          string    `json:"user_agent"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	IsActive           bool      `json:"is_active"`
	InvalidatedAt      time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string    `json:"invalidation_reason,omitempty"`
}

// Stale reports whether the session is logically expired: flagged inactive or
// past its expiry. Expiry is derived at read time, never stored as a flag.
func (s *Session) Stale(now time.Time) bool {
	return !s.IsActive || now.After(s.ExpiresAt)
}

// View is the listing shape returned to the owning user.
type View struct {
	SessionID        string    `json:"sessionId"`
	IPAddress        string    `json:"ipAddress"`
	UserAgent        string    `json:"userAgent"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	IsCurrentSession bool      `json:"isCurrentSession"`
	IsExpired        bool      `json:"isExpired"`
}

// Config controls key layout and how long flagged records are retained for
// the audit trail before Redis reclaims them.
type Config struct {
	RedisPrefix string
	Retention   time.Duration
}

// Registry is the Redis-backed session registry.
type Registry struct {
	redis  redis.UniversalClient
	prefix string
	keep   time.Duration
}

// NewRegistry creates a Registry. Retention defaults to 30 days.
func NewRegistry(redisClient redis.UniversalClient, cfg Config) *Registry {
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "ids"
	}
	keep := cfg.Retention
	if keep <= 0 {
		keep = 30 * 24 * time.Hour
	}
	return &Registry{redis: redisClient, prefix: prefix, keep: keep}
}

func (r *Registry) sessionKey(sessionID string) string {
	return r.prefix + ":sess:" + sessionID
}

func (r *Registry) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

func (r *Registry) save(ctx context.Context, s *Session) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.SessionID), encoded, r.keep)
	pipe.SAdd(ctx, r.userKey(s.UserID), s.SessionID)
	pipe.Expire(ctx, r.userKey(s.UserID), r.keep)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.redis.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: corrupt record", ErrUnavailable)
	}
	return &s, nil
}

func (r *Registry) loadAll(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.redis.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // reclaimed past retention
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Touch finds the live session matching (userID, tokenVersion) and extends
// its activity stamp, or creates a fresh one with the given lifetime when no
// match exists. Returns the session and whether it was created.
func (r *Registry) Touch(ctx context.Context, userID string, tokenVersion int64, ip, userAgent string, ttl time.Duration) (*Session, bool, error) {
	now := time.Now()

	existing, err := r.loadAll(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	for _, s := range existing {
		if s.TokenVersion == tokenVersion && !s.Stale(now) {
			s.LastActivityAt = now
			if err := r.save(ctx, s); err != nil {
				return nil, false, err
			}
			return s, false, nil
		}
	}

	s := &Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		TokenVersion:   tokenVersion,
		IPAddress:      ip,
		UserAgent:      userAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
		IsActive:       true,
	}
	if err := r.save(ctx, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// ListActive returns the user's non-invalidated sessions, most recent activity
// first, annotated with the derived expiry flag and whether each one matches
// the caller's current token version.
func (r *Registry) ListActive(ctx context.Context, userID string, currentTokenVersion int64) ([]View, error) {
	sessions, err := r.loadAll(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	views := make([]View, 0, len(sessions))
	for _, s := range sessions {
		if !s.IsActive {
			continue
		}
		views = append(views, View{
			SessionID:        s.SessionID,
			IPAddress:        s.IPAddress,
			UserAgent:        s.UserAgent,
			CreatedAt:        s.CreatedAt,
			LastActivityAt:   s.LastActivityAt,
			ExpiresAt:        s.ExpiresAt,
			IsCurrentSession: s.TokenVersion == currentTokenVersion,
			IsExpired:        now.After(s.ExpiresAt),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].LastActivityAt.After(views[j].LastActivityAt)
	})
	return views, nil
}

// Invalidate flags one session inactive. Scoped to the owning user: a session
// id belonging to someone else reads as not found.
func (r *Registry) Invalidate(ctx context.Context, userID, sessionID, reason string) error {
	s, err := r.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return ErrNotFound
	}

	s.IsActive = false
	s.InvalidatedAt = time.Now()
	s.InvalidationReason = reason
	return r.save(ctx, s)
}

// InvalidateAllExceptCurrent flags every other active session of the user and
// returns the count. The token layer is untouched: this is device-list
// hygiene, not token revocation.
func (r *Registry) InvalidateAllExceptCurrent(ctx context.Context, userID string, currentTokenVersion int64, reason string) (int, error) {
	sessions, err := r.loadAll(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, s := range sessions {
		if !s.IsActive || s.TokenVersion == currentTokenVersion {
			continue
		}
		s.IsActive = false
		s.InvalidatedAt = now
		s.InvalidationReason = reason
		if err := r.save(ctx, s); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
