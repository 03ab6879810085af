package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

// memState is the full dataset held by a MemoryStore
type memState struct {
	challenges     map[string]core.Challenge
	recoveryCodes  map[string]core.RecoveryCode
	recoveryTokens map[string]core.RecoveryToken
	credentials    map[string]core.Credential
	accounts       map[string]core.Account
}

func newMemState() *memState {
	return &memState{
		challenges:     make(map[string]core.Challenge),
		recoveryCodes:  make(map[string]core.RecoveryCode),
		recoveryTokens: make(map[string]core.RecoveryToken),
		credentials:    make(map[string]core.Credential),
		accounts:       make(map[string]core.Account),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		challenges:     cloneMap(s.challenges),
		recoveryCodes:  cloneMap(s.recoveryCodes),
		recoveryTokens: cloneMap(s.recoveryTokens),
		credentials:    cloneMap(s.credentials),
		accounts:       cloneMap(s.accounts),
	}
}

// MemoryStore is an in-memory implementation of the Store interface.
// One mutex serialises every operation, transactions work on a copy
// that replaces the live state on commit.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

var _ ports.Store = (*MemoryStore)(nil)

// memRepo runs operations either against the live state under the store
// lock or, inside a transaction, against the transaction's copy.
type memRepo struct {
	store *MemoryStore
	tx    *memState
}

func (r memRepo) with(fn func(st *memState) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.st)
}

func (s *MemoryStore) Challenges() ports.ChallengeStore {
	return memChallenges{memRepo{store: s}}
}

func (s *MemoryStore) RecoveryCodes() ports.RecoveryCodeStore {
	return memRecoveryCodes{memRepo{store: s}}
}

func (s *MemoryStore) RecoveryTokens() ports.RecoveryTokenStore {
	return memRecoveryTokens{memRepo{store: s}}
}

func (s *MemoryStore) Credentials() ports.CredentialStore {
	return memCredentials{memRepo{store: s}}
}

func (s *MemoryStore) Accounts() ports.AccountStore {
	return memAccounts{memRepo{store: s}}
}

// WithinTx runs fn against a copy of the state and commits it when fn succeeds
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(ctx, memTx{store: s, st: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st = working
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type memTx struct {
	store *MemoryStore
	st    *memState
}

func (t memTx) repo() memRepo { return memRepo{store: t.store, tx: t.st} }

func (t memTx) Challenges() ports.ChallengeStore         { return memChallenges{t.repo()} }
func (t memTx) RecoveryCodes() ports.RecoveryCodeStore   { return memRecoveryCodes{t.repo()} }
func (t memTx) RecoveryTokens() ports.RecoveryTokenStore { return memRecoveryTokens{t.repo()} }
func (t memTx) Credentials() ports.CredentialStore       { return memCredentials{t.repo()} }
func (t memTx) Accounts() ports.AccountStore             { return memAccounts{t.repo()} }

// single-use check shared by challenges, codes and tokens
func checkUsable(used bool, expiresAt, now time.Time) error {
	if used {
		return core.ErrAlreadyUsed
	}
	if !now.Before(expiresAt) {
		return core.ErrExpired
	}
	return nil
}

type memChallenges struct{ memRepo }

func (r memChallenges) Create(ctx context.Context, challenge *core.Challenge) error {
	return r.with(func(st *memState) error {
		if _, exists := st.challenges[challenge.Value]; exists {
			return core.ErrAlreadyUsed
		}
		st.challenges[challenge.Value] = *challenge
		return nil
	})
}

func (r memChallenges) Consume(ctx context.Context, value string, now time.Time) (*core.Challenge, error) {
	var out core.Challenge
	err := r.with(func(st *memState) error {
		ch, ok := st.challenges[value]
		if !ok {
			return core.ErrNotFound
		}
		if err := checkUsable(ch.Used, ch.ExpiresAt, now); err != nil {
			return err
		}
		out = ch
		usedAt := now
		ch.Used = true
		ch.UsedAt = &usedAt
		st.challenges[value] = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r memChallenges) Prune(ctx context.Context, now time.Time) (int64, error) {
	var pruned int64
	err := r.with(func(st *memState) error {
		for value, ch := range st.challenges {
			if ch.Used || ch.Expired(now) {
				delete(st.challenges, value)
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

type memRecoveryCodes struct{ memRepo }

func (r memRecoveryCodes) Create(ctx context.Context, code *core.RecoveryCode) error {
	return r.with(func(st *memState) error {
		if _, exists := st.recoveryCodes[code.CodeHash]; exists {
			return core.ErrAlreadyUsed
		}
		st.recoveryCodes[code.CodeHash] = *code
		return nil
	})
}

func (r memRecoveryCodes) Redeem(ctx context.Context, codeHash string, now time.Time) (*core.RecoveryCode, error) {
	var out core.RecoveryCode
	err := r.with(func(st *memState) error {
		code, ok := st.recoveryCodes[codeHash]
		if !ok {
			return core.ErrNotFound
		}
		if err := checkUsable(code.Used, code.ExpiresAt, now); err != nil {
			return err
		}
		usedAt := now
		code.Used = true
		code.UsedAt = &usedAt
		st.recoveryCodes[codeHash] = code
		out = code
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type memRecoveryTokens struct{ memRepo }

func (r memRecoveryTokens) Create(ctx context.Context, token *core.RecoveryToken) error {
	return r.with(func(st *memState) error {
		if _, exists := st.recoveryTokens[token.ID]; exists {
			return core.ErrAlreadyUsed
		}
		st.recoveryTokens[token.ID] = *token
		return nil
	})
}

func (r memRecoveryTokens) MarkUsed(ctx context.Context, id string, now time.Time) error {
	return r.with(func(st *memState) error {
		token, ok := st.recoveryTokens[id]
		if !ok {
			return core.ErrNotFound
		}
		if err := checkUsable(token.Used, token.ExpiresAt, now); err != nil {
			return err
		}
		usedAt := now
		token.Used = true
		token.UsedAt = &usedAt
		st.recoveryTokens[id] = token
		return nil
	})
}

type memCredentials struct{ memRepo }

func copyCredential(c core.Credential) *core.Credential {
	c.PublicKey = append([]byte(nil), c.PublicKey...)
	c.UserHandle = append([]byte(nil), c.UserHandle...)
	c.AAGUID = append([]byte(nil), c.AAGUID...)
	c.Transports = append([]string(nil), c.Transports...)
	return &c
}

func (r memCredentials) Create(ctx context.Context, credential *core.Credential) error {
	return r.with(func(st *memState) error {
		if _, exists := st.credentials[credential.ID]; exists {
			return core.ErrCredentialExists
		}
		st.credentials[credential.ID] = *copyCredential(*credential)
		return nil
	})
}

func (r memCredentials) Find(ctx context.Context, id string) (*core.Credential, error) {
	var out *core.Credential
	err := r.with(func(st *memState) error {
		cred, ok := st.credentials[id]
		if !ok {
			return core.ErrNotFound
		}
		out = copyCredential(cred)
		return nil
	})
	return out, err
}

func (r memCredentials) ListByAccount(ctx context.Context, address string) ([]*core.Credential, error) {
	var out []*core.Credential
	err := r.with(func(st *memState) error {
		for _, cred := range st.credentials {
			if cred.AccountAddress == address {
				out = append(out, copyCredential(cred))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (r memCredentials) UpdateUsage(ctx context.Context, id string, signCount uint32, backedUp bool, usedAt time.Time) error {
	return r.with(func(st *memState) error {
		cred, ok := st.credentials[id]
		if !ok {
			return core.ErrNotFound
		}
		cred.SignCount = signCount
		cred.BackedUp = backedUp
		cred.LastUsedAt = &usedAt
		st.credentials[id] = cred
		return nil
	})
}

func (r memCredentials) Repoint(ctx context.Context, id, address string) error {
	return r.with(func(st *memState) error {
		cred, ok := st.credentials[id]
		if !ok {
			return core.ErrNotFound
		}
		cred.AccountAddress = address
		st.credentials[id] = cred
		return nil
	})
}

func (r memCredentials) Delete(ctx context.Context, id string) error {
	return r.with(func(st *memState) error {
		if _, ok := st.credentials[id]; !ok {
			return core.ErrNotFound
		}
		delete(st.credentials, id)
		return nil
	})
}

type memAccounts struct{ memRepo }

func (r memAccounts) Find(ctx context.Context, address string) (*core.Account, error) {
	var out core.Account
	err := r.with(func(st *memState) error {
		acc, ok := st.accounts[address]
		if !ok {
			return core.ErrNotFound
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r memAccounts) Create(ctx context.Context, account *core.Account) error {
	return r.with(func(st *memState) error {
		if _, exists := st.accounts[account.Address]; exists {
			return nil
		}
		st.accounts[account.Address] = *account
		return nil
	})
}

func (r memAccounts) RecordLogin(ctx context.Context, address string, at time.Time) error {
	return r.with(func(st *memState) error {
		acc, ok := st.accounts[address]
		if !ok {
			return core.ErrNotFound
		}
		acc.LoginCount++
		if acc.FirstLoginAt == nil {
			first := at
			acc.FirstLoginAt = &first
		}
		acc.LastLoginAt = &at
		acc.UpdatedAt = at
		st.accounts[address] = acc
		return nil
	})
}

func (r memAccounts) SetWallet(ctx context.Context, address, wallet string) (bool, error) {
	var set bool
	err := r.with(func(st *memState) error {
		acc, ok := st.accounts[address]
		if !ok || acc.WalletAddress != "" {
			return nil
		}
		acc.WalletAddress = wallet
		st.accounts[address] = acc
		set = true
		return nil
	})
	return set, err
}
