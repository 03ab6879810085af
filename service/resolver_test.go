package service

import (
	"context"
	"testing"

	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/layer-3/passkey/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrFresh = "0xcccccccccccccccccccccccccccccccccccccccc"
	addrNew   = "0xdddddddddddddddddddddddddddddddddddddddd"
)

func (f *fixture) recoveryGrant(code, address string) *core.RecoveryToken {
	f.t.Helper()
	require.NoError(f.t, f.recovery.StoreRecoveryCode(f.ctx, code, address))
	_, token, err := f.recovery.RedeemRecoveryCode(f.ctx, code)
	require.NoError(f.t, err)
	grant, err := f.recovery.Verify(token, core.TokenKindRecovery)
	require.NoError(f.t, err)
	return grant
}

func (f *fixture) resolve(in ResolveInput) (Resolution, error) {
	var out Resolution
	err := f.store.WithinTx(f.ctx, func(ctx context.Context, tx ports.Repos) error {
		var err error
		out, err = f.resolver.Resolve(ctx, tx, in)
		return err
	})
	return out, err
}

func TestAccountResolver_DecisionTable(t *testing.T) {
	const credentialID = "Y3JlZGVudGlhbC0x"
	derived := eth.DeriveAddress("passkey", credentialID)
	stale := core.SessionState{Status: core.SessionStale}

	tests := []struct {
		name     string
		grant    bool
		session  core.SessionState
		cand     string
		wantAddr string
		wantRule string
		wantErr  error
	}{
		{name: "recovery beats session", grant: true, session: validSession(addrB), wantAddr: addrA, wantRule: "recovery"},
		{name: "recovery beats stale session", grant: true, session: stale, wantAddr: addrA, wantRule: "recovery"},
		{name: "session beats candidate", session: validSession(addrB), cand: addrA, wantAddr: addrB, wantRule: "session"},
		{name: "stale session", session: stale, cand: addrA, wantErr: core.ErrSessionExpired},
		{name: "known account", cand: addrA, wantAddr: addrA, wantRule: "existing-account"},
		{name: "account never logged in", cand: addrFresh, wantAddr: derived, wantRule: "derived"},
		{name: "unknown candidate", cand: addrNew, wantAddr: derived, wantRule: "derived"},
		{name: "nothing", wantAddr: derived, wantRule: "derived"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedAccount(addrA, "", 3)
			f.seedAccount(addrFresh, "", 0)

			in := ResolveInput{CredentialID: credentialID, Candidate: tt.cand, Session: tt.session}
			if tt.grant {
				in.Recovery = f.recoveryGrant("GRANT1", addrA)
			}

			res, err := f.resolve(in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, res.Address)
			assert.Equal(t, tt.wantRule, res.Rule)

			wantMethod := core.AuthMethodPasskey
			if tt.grant {
				wantMethod = core.AuthMethodRecovery
			}
			assert.Equal(t, wantMethod, res.Method)
		})
	}
}

func TestAccountResolver_RecoveryRedeemedOnce(t *testing.T) {
	f := newFixture(t)
	grant := f.recoveryGrant("ONCE11", addrA)

	_, err := f.resolve(ResolveInput{CredentialID: "a", Recovery: grant})
	require.NoError(t, err)

	_, err = f.resolve(ResolveInput{CredentialID: "b", Recovery: grant})
	assert.ErrorIs(t, err, core.ErrAlreadyUsed)
}

func TestAccountResolver_FailedResolutionKeepsGrant(t *testing.T) {
	f := newFixture(t)
	grant := f.recoveryGrant("KEEP22", addrA)

	err := f.store.WithinTx(f.ctx, func(ctx context.Context, tx ports.Repos) error {
		if _, err := f.resolver.Resolve(ctx, tx, ResolveInput{CredentialID: "a", Recovery: grant}); err != nil {
			return err
		}
		return core.ErrCredentialExists
	})
	require.ErrorIs(t, err, core.ErrCredentialExists)

	res, err := f.resolve(ResolveInput{CredentialID: "a", Recovery: grant})
	require.NoError(t, err)
	assert.Equal(t, addrA, res.Address)
}

func TestAccountResolver_DeriveAddress(t *testing.T) {
	f := newFixture(t)

	first := f.resolver.DeriveAddress("Y3JlZGVudGlhbC0x")
	assert.Equal(t, first, f.resolver.DeriveAddress("Y3JlZGVudGlhbC0x"))
	assert.NotEqual(t, first, f.resolver.DeriveAddress("Y3JlZGVudGlhbC0y"))
	assert.Regexp(t, "^0x[0-9a-f]{40}$", first)
}
