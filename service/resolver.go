package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/layer-3/passkey/ports"
)

// ResolveInput is everything the resolver may consult for one registration
type ResolveInput struct {
	CredentialID string
	// Candidate is the hinted address, already normalised. May be empty.
	Candidate string
	// Recovery is a verified, not yet redeemed, recovery grant. May be nil.
	Recovery *core.RecoveryToken
	Session  core.SessionState
}

// Resolution names the account a new credential binds to and why
type Resolution struct {
	Address string
	Rule    string
	Method  core.AuthMethod
}

// resolveRule reports a resolution when it applies
type resolveRule struct {
	name  string
	apply func(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error)
}

// AccountResolver decides which address a new credential attaches to.
// Rules run in order and the first one that applies wins.
type AccountResolver struct {
	recovery  *RecoveryService
	namespace string
	rules     []resolveRule
}

// NewAccountResolver creates the resolver with its decision table
func NewAccountResolver(recovery *RecoveryService, namespace string) *AccountResolver {
	if namespace == "" {
		namespace = "passkey"
	}
	r := &AccountResolver{recovery: recovery, namespace: namespace}
	r.rules = []resolveRule{
		{name: "recovery", apply: r.recoveryProof},
		{name: "session", apply: r.activeSession},
		{name: "stale-session", apply: r.staleSession},
		{name: "existing-account", apply: r.knownAccount},
		{name: "derived", apply: r.derivedAddress},
	}
	return r
}

// Resolve runs the decision table inside tx. A recovery grant is redeemed
// as part of the same transaction.
func (r *AccountResolver) Resolve(ctx context.Context, tx ports.Repos, in ResolveInput) (Resolution, error) {
	for _, rule := range r.rules {
		address, ok, err := rule.apply(ctx, tx, in)
		if err != nil {
			return Resolution{}, err
		}
		if !ok {
			continue
		}

		method := core.AuthMethodPasskey
		if rule.name == "recovery" {
			method = core.AuthMethodRecovery
		}
		return Resolution{Address: address, Rule: rule.name, Method: method}, nil
	}

	return Resolution{}, fmt.Errorf("no resolution rule matched: %w", core.ErrInvalid)
}

// DeriveAddress is the fallback address for a credential with no other claim
func (r *AccountResolver) DeriveAddress(credentialID string) string {
	return eth.DeriveAddress(r.namespace, credentialID)
}

func (r *AccountResolver) recoveryProof(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error) {
	if in.Recovery == nil {
		return "", false, nil
	}
	if err := r.recovery.Redeem(ctx, tx, in.Recovery); err != nil {
		return "", false, err
	}
	return in.Recovery.AccountAddress, true, nil
}

func (r *AccountResolver) activeSession(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error) {
	if !in.Session.Valid() {
		return "", false, nil
	}
	return in.Session.Address, true, nil
}

func (r *AccountResolver) staleSession(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error) {
	if in.Session.Status == core.SessionStale {
		return "", false, core.ErrSessionExpired
	}
	return "", false, nil
}

func (r *AccountResolver) knownAccount(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error) {
	if in.Candidate == "" {
		return "", false, nil
	}

	account, err := tx.Accounts().Find(ctx, in.Candidate)
	if errors.Is(err, core.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup candidate account: %w", err)
	}
	return in.Candidate, account.HasLoggedIn(), nil
}

func (r *AccountResolver) derivedAddress(ctx context.Context, tx ports.Repos, in ResolveInput) (string, bool, error) {
	return r.DeriveAddress(in.CredentialID), true, nil
}
