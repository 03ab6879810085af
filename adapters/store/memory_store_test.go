package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestMemoryChallengeConsume(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Challenges().Create(ctx, &core.Challenge{
		Value:     "c1",
		Ceremony:  core.CeremonyRegistration,
		ExpiresAt: now.Add(5 * time.Minute),
		CreatedAt: now,
	}))
	require.NoError(t, s.Challenges().Create(ctx, &core.Challenge{
		Value:     "c2",
		Ceremony:  core.CeremonyAuthentication,
		ExpiresAt: now.Add(time.Minute),
		CreatedAt: now,
	}))

	ch, err := s.Challenges().Consume(ctx, "c1", now)
	require.NoError(t, err)
	assert.Equal(t, core.CeremonyRegistration, ch.Ceremony)

	_, err = s.Challenges().Consume(ctx, "c1", now)
	assert.ErrorIs(t, err, core.ErrAlreadyUsed)

	_, err = s.Challenges().Consume(ctx, "missing", now)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Challenges().Consume(ctx, "c2", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, core.ErrExpired)

	pruned, err := s.Challenges().Prune(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestMemoryRecoveryCodeConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.RecoveryCodes().Create(ctx, &core.RecoveryCode{
		CodeHash:       "hash",
		AccountAddress: addrA,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
	}))

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecoveryCodes().Redeem(ctx, "hash", now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, core.ErrAlreadyUsed):
				used++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, used)
}

func TestMemoryWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
		require.NoError(t, tx.Accounts().Create(ctx, &core.Account{Address: addrA, CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, tx.Credentials().Create(ctx, &core.Credential{ID: "cred", AccountAddress: addrA}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Accounts().Find(ctx, addrA)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Credentials().Find(ctx, "cred")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = s.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
		return tx.Accounts().Create(ctx, &core.Account{Address: addrA, CreatedAt: now, UpdatedAt: now})
	})
	require.NoError(t, err)

	acc, err := s.Accounts().Find(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, addrA, acc.Address)
}

func TestMemoryCredentials(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	cred := &core.Credential{ID: "cred", AccountAddress: addrA, PublicKey: []byte{1, 2}, CreatedAt: now}
	require.NoError(t, s.Credentials().Create(ctx, cred))
	assert.ErrorIs(t, s.Credentials().Create(ctx, cred), core.ErrCredentialExists)

	require.NoError(t, s.Credentials().UpdateUsage(ctx, "cred", 7, true, now))
	require.NoError(t, s.Credentials().Repoint(ctx, "cred", addrB))

	got, err := s.Credentials().Find(ctx, "cred")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.SignCount)
	assert.True(t, got.BackedUp)
	assert.Equal(t, addrB, got.AccountAddress)

	list, err := s.Credentials().ListByAccount(ctx, addrA)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Credentials().Delete(ctx, "cred"))
	assert.ErrorIs(t, s.Credentials().Delete(ctx, "cred"), core.ErrNotFound)
}

func TestMemoryAccountWalletSetOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Accounts().Create(ctx, &core.Account{Address: addrA, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.Accounts().RecordLogin(ctx, addrA, now))

	set, err := s.Accounts().SetWallet(ctx, addrA, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.Accounts().SetWallet(ctx, addrA, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	assert.False(t, set)

	acc, err := s.Accounts().Find(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", acc.WalletAddress)
	assert.Equal(t, int64(1), acc.LoginCount)
	require.NotNil(t, acc.FirstLoginAt)
}

func TestMemoryRecoveryTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.RecoveryTokens().Create(ctx, &core.RecoveryToken{
		ID:        "jti",
		Kind:      core.TokenKindRescue,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	require.NoError(t, s.RecoveryTokens().MarkUsed(ctx, "jti", now))
	assert.ErrorIs(t, s.RecoveryTokens().MarkUsed(ctx, "jti", now), core.ErrAlreadyUsed)
	assert.ErrorIs(t, s.RecoveryTokens().MarkUsed(ctx, "other", now), core.ErrNotFound)
}

func TestMemoryRevocations(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRevocations()

	revoked, err := r.IsTokenInvalidated(ctx, "rid")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, r.InvalidateToken(ctx, "rid", time.Hour))
	revoked, err = r.IsTokenInvalidated(ctx, "rid")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, r.InvalidateToken(ctx, "spent", 0))
	revoked, err = r.IsTokenInvalidated(ctx, "spent")
	require.NoError(t, err)
	assert.False(t, revoked)
}
