package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const blacklistPrefix = "jwt:blacklist:"

// TokenBlacklist records revoked token ids in Redis until the token would expire anyway.
type TokenBlacklist struct {
	rc     redis.UniversalClient
	logger *zap.Logger
}

func NewTokenBlacklist(rc redis.UniversalClient, logger *zap.Logger) *TokenBlacklist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenBlacklist{rc: rc, logger: logger}
}

// Revoke blacklists jti until expiresAt. Already expired tokens are ignored.
func (b *TokenBlacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.rc.Set(ctx, blacklistPrefix+jti, "1", ttl).Err()
}

// IsRevoked checks if a token was revoked before natural expiration.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, jti string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := b.rc.Exists(ctx, blacklistPrefix+jti).Result()
	if err != nil {
		// fail open to avoid locking every admin out while Redis is down
		b.logger.Warn("token blacklist lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}
