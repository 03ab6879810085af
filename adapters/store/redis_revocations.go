package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/passkey/ports"
	"github.com/redis/go-redis/v9"
)

const revocationPrefix = "passkey:invalidated:"

// RedisRevocations keeps revoked refresh token IDs in Redis. Each entry
// expires with the token it revokes, so the keyspace never outgrows the
// set of still-valid tokens.
type RedisRevocations struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisRevocations(client redis.UniversalClient) ports.SessionRevocations {
	return &RedisRevocations{client: client, now: time.Now}
}

func revocationKey(tokenID string) string {
	return revocationPrefix + tokenID
}

// InvalidateToken records tokenID for the rest of its lifetime. A token
// with no lifetime left is already unusable and is not recorded.
func (s *RedisRevocations) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	if expiry <= 0 {
		return nil
	}

	revokedAt := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.client.Set(ctx, revocationKey(tokenID), revokedAt, expiry).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token %s: %w", tokenID, err)
	}
	return nil
}

func (s *RedisRevocations) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token %s: %w", tokenID, err)
	}
	return n > 0, nil
}
