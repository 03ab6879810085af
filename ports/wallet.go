package ports

import "context"

// WalletDeriver computes the counterfactual smart-wallet address for a signer
type WalletDeriver interface {
	DeriveWallet(signer string) (string, error)
}

// OwnershipChecker asks the chain whether a signer still controls a wallet
type OwnershipChecker interface {
	// HasLiveAuthority reports whether wallet is deployed, funded and lists signer as an owner.
	HasLiveAuthority(ctx context.Context, wallet, signer string) (bool, error)
}
