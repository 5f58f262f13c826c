package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agrilink/auth-service/internal/config"
)

// LoginLimiter is a fixed-window counter per (ip, identifier). The first
// attempt in a window sets the key's expiry to the window length; once the
// counter passes the ceiling, further attempts are rejected until the key
// expires. Counts are approximate; a coarser edge limiter sits in front.
type LoginLimiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
}

// NewLoginLimiter builds a limiter; a nil client or a disabled config makes
// Allow always succeed.
func NewLoginLimiter(rdb *redis.Client, cfg config.RateLimitConfig) *LoginLimiter {
	return &LoginLimiter{rdb: rdb, cfg: cfg}
}

// Allow records one attempt for (ip, identifier) and reports whether it is
// within the window's ceiling. Redis errors fail open.
func (l *LoginLimiter) Allow(ctx context.Context, ip, identifier string) bool {
	if l.rdb == nil || !l.cfg.Enabled {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", l.cfg.Prefix, ip, identifier)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		_ = l.rdb.Expire(ctx, key, l.cfg.Window).Err()
	}
	return n <= l.cfg.Max
}
