package core

import "time"

// Account is a wallet-style identity keyed by its address
type Account struct {
	Address       string
	LoginCount    int64
	FirstLoginAt  *time.Time
	LastLoginAt   *time.Time
	WalletAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasLoggedIn reports whether the account has completed at least one login
func (a *Account) HasLoggedIn() bool {
	return a != nil && a.LoginCount > 0
}

// Credential is a registered passkey bound to exactly one account
type Credential struct {
	ID             string
	AccountAddress string
	// UserHandle is the WebAuthn user id the authenticator stored with the key.
	UserHandle      []byte
	PublicKey       []byte
	SignCount       uint32
	UserPresent     bool
	UserVerified    bool
	BackupEligible  bool
	BackedUp        bool
	Transports      []string
	AttestationType string
	AAGUID          []byte
	DisplayName     string
	SignerAddress   string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}
