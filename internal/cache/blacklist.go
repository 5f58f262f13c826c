// Package cache wraps the Redis-backed shared security state: the revoked
// access-token blacklist and the login rate-limit counters. Nothing here is
// mirrored in process memory; every instance of the service must see the
// same answers.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "bl:jti:"

// Blacklist marks access-token jtis as revoked until their natural expiry.
// Entries carry a TTL equal to the token's remaining lifetime, so the set
// never grows past the number of currently-live revoked tokens.
type Blacklist struct {
	rdb *redis.Client
}

// NewBlacklist returns a blacklist over the given client. A nil client is
// accepted when the cache is unavailable: writes become no-ops and lookups
// report not-revoked.
func NewBlacklist(rdb *redis.Client) *Blacklist {
	return &Blacklist{rdb: rdb}
}

// Add marks a jti revoked for the given remaining lifetime. Non-positive
// TTLs are ignored: the token is already expired and needs no entry.
func (b *Blacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if b.rdb == nil || jti == "" || ttl <= 0 {
		return nil
	}
	return b.rdb.SetEx(ctx, blacklistPrefix+jti, "1", ttl).Err()
}

// Contains reports whether a jti has been revoked. Redis errors are treated
// as not-revoked so an unavailable cache degrades to signature-only checks
// rather than a full outage.
func (b *Blacklist) Contains(ctx context.Context, jti string) bool {
	if b.rdb == nil || jti == "" {
		return false
	}
	n, err := b.rdb.Exists(ctx, blacklistPrefix+jti).Result()
	return err == nil && n > 0
}
