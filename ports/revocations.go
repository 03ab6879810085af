package ports

import (
	"context"
	"time"
)

// SessionRevocations records invalidated refresh token ids
type SessionRevocations interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}
