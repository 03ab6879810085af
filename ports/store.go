package ports

import (
	"context"
	"time"

	"github.com/layer-3/passkey/core"
)

// ChallengeStore persists ceremony challenges
type ChallengeStore interface {
	Create(ctx context.Context, challenge *core.Challenge) error
	// Consume atomically marks an unused, unexpired challenge as used and returns it.
	// It fails with core.ErrNotFound, core.ErrAlreadyUsed or core.ErrExpired.
	Consume(ctx context.Context, value string, now time.Time) (*core.Challenge, error)
	// Prune removes used and expired challenges.
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// RecoveryCodeStore persists hashed recovery codes
type RecoveryCodeStore interface {
	Create(ctx context.Context, code *core.RecoveryCode) error
	// Redeem atomically marks the code used, with the same failures as ChallengeStore.Consume.
	Redeem(ctx context.Context, codeHash string, now time.Time) (*core.RecoveryCode, error)
}

// RecoveryTokenStore tracks single use of signed recovery and rescue tokens
type RecoveryTokenStore interface {
	Create(ctx context.Context, token *core.RecoveryToken) error
	MarkUsed(ctx context.Context, id string, now time.Time) error
}

// CredentialStore persists passkeys
type CredentialStore interface {
	// Create fails with core.ErrCredentialExists when the id is taken.
	Create(ctx context.Context, credential *core.Credential) error
	Find(ctx context.Context, id string) (*core.Credential, error)
	ListByAccount(ctx context.Context, address string) ([]*core.Credential, error)
	UpdateUsage(ctx context.Context, id string, signCount uint32, backedUp bool, usedAt time.Time) error
	Repoint(ctx context.Context, id, address string) error
	Delete(ctx context.Context, id string) error
}

// AccountStore persists accounts
type AccountStore interface {
	Find(ctx context.Context, address string) (*core.Account, error)
	// Create inserts the account unless one already exists for the address.
	Create(ctx context.Context, account *core.Account) error
	RecordLogin(ctx context.Context, address string, at time.Time) error
	// SetWallet sets the wallet address only when none is set yet and
	// reports whether the write happened.
	SetWallet(ctx context.Context, address, wallet string) (bool, error)
}

// Repos groups the repositories that can take part in one transaction
type Repos interface {
	Challenges() ChallengeStore
	RecoveryCodes() RecoveryCodeStore
	RecoveryTokens() RecoveryTokenStore
	Credentials() CredentialStore
	Accounts() AccountStore
}

// Store is the relational datastore behind the service
type Store interface {
	Repos
	// WithinTx runs fn in a transaction that commits only if fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
	Ping(ctx context.Context) error
}
