package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/passkey/ports"
)

// MemoryRevocations is an in-memory implementation of SessionRevocations.
// Entries are dropped lazily once their expiry passes.
type MemoryRevocations struct {
	invalidatedTokens map[string]time.Time
	mu                sync.RWMutex
	now               func() time.Time
}

// NewMemoryRevocations creates a new in-memory revocation list
func NewMemoryRevocations() ports.SessionRevocations {
	return &MemoryRevocations{
		invalidatedTokens: make(map[string]time.Time),
		now:               time.Now,
	}
}

// InvalidateToken marks a token as invalidated
func (s *MemoryRevocations) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	if expiry <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, until := range s.invalidatedTokens {
		if now.After(until) {
			delete(s.invalidatedTokens, id)
		}
	}

	s.invalidatedTokens[tokenID] = now.Add(expiry)
	return nil
}

// IsTokenInvalidated checks if a token is invalidated
func (s *MemoryRevocations) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiryTime, exists := s.invalidatedTokens[tokenID]
	if !exists {
		return false, nil
	}

	// Check if the token invalidation has expired
	return !s.now().After(expiryTime), nil
}
