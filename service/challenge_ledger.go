package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

// DefaultChallengeTTL bounds how long a ceremony may take
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeLedger issues and consumes single-use ceremony challenges
type ChallengeLedger struct {
	store  ports.ChallengeStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewChallengeLedger creates a ledger over the challenge store
func NewChallengeLedger(store ports.ChallengeStore, ttl time.Duration, now func() time.Time, logger *slog.Logger) *ChallengeLedger {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeLedger{store: store, ttl: ttl, now: now, logger: logger}
}

// Issue creates a fresh challenge for the ceremony and persists it together
// with the ceremony session data. The session's challenge is replaced by the
// ledger's value so the two always agree.
func (l *ChallengeLedger) Issue(ctx context.Context, ceremony core.Ceremony, address string, session *webauthn.SessionData) (protocol.URLEncodedBase64, error) {
	value, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := l.now()
	session.Challenge = value.String()
	session.Expires = now.Add(l.ttl)

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}

	challenge := &core.Challenge{
		Value:          value.String(),
		Ceremony:       ceremony,
		AccountAddress: address,
		SessionData:    data,
		ExpiresAt:      now.Add(l.ttl),
		CreatedAt:      now,
	}

	err = retryOnce(ctx, func() error {
		return l.store.Create(ctx, challenge)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return value, nil
}

// Consume redeems a challenge exactly once. The row is marked used before
// the ceremony and address are compared, so a mismatched attempt still burns it.
// address may be empty; a bound challenge then keeps its own address.
func (l *ChallengeLedger) Consume(ctx context.Context, value string, ceremony core.Ceremony, address string) (*core.Challenge, error) {
	if value == "" {
		return nil, fmt.Errorf("empty challenge: %w", core.ErrNotFound)
	}

	challenge, err := l.store.Consume(ctx, value, l.now())
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}

	if challenge.Ceremony != ceremony {
		return nil, fmt.Errorf("challenge issued for %s, presented for %s: %w", challenge.Ceremony, ceremony, core.ErrMismatchedCeremony)
	}
	if challenge.AccountAddress != "" && address != "" && challenge.AccountAddress != address {
		return nil, fmt.Errorf("challenge bound to another account: %w", core.ErrMismatchedCeremony)
	}

	return challenge, nil
}

// SessionData decodes the ceremony state stored with a consumed challenge
func (l *ChallengeLedger) SessionData(challenge *core.Challenge) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionData, &session); err != nil {
		return session, fmt.Errorf("corrupt session data: %w", err)
	}
	return session, nil
}

// Prune deletes used and expired challenges. Failures are logged only.
func (l *ChallengeLedger) Prune(ctx context.Context) {
	pruned, err := l.store.Prune(ctx, l.now())
	if err != nil {
		l.logger.Warn("challenge prune failed", "error", err)
		return
	}
	if pruned > 0 {
		l.logger.Debug("pruned challenges", "count", pruned)
	}
}
