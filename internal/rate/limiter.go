// Package rate implements a fixed-window request limiter over Redis, shared
// by every instance serving the same keys.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable means the limiter backend is unreachable. Callers decide
// whether to fail open or closed.
var ErrUnavailable = errors.New("rate limiter backend unavailable")

// Config bounds one window.
type Config struct {
	Limit  int
	Window time.Duration
}

// Limiter counts requests per key inside fixed windows. INCR plus a first-hit
// EXPIRE keeps the accounting atomic without a script.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	cfg    Config
}

// NewLimiter creates a Limiter with the given key prefix.
func NewLimiter(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{redis: redisClient, prefix: prefix, cfg: cfg}
}

// Allow records one hit for key and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	full := l.prefix + ":" + key
	count, err := l.redis.Incr(ctx, full).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, full, l.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count <= int64(l.cfg.Limit), nil
}
