package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SafeDeriver computes counterfactual Safe wallet addresses with CREATE2.
type SafeDeriver struct {
	Factory      common.Address
	InitCodeHash common.Hash
	SaltNonce    *big.Int
}

// NewSafeDeriver parses the factory address and init code hash.
func NewSafeDeriver(factory, initCodeHash string, saltNonce int64) (*SafeDeriver, error) {
	if !common.IsHexAddress(factory) {
		return nil, fmt.Errorf("invalid factory address %q", factory)
	}
	hash := strings.TrimPrefix(initCodeHash, "0x")
	if len(hash) != 2*common.HashLength {
		return nil, fmt.Errorf("invalid init code hash %q", initCodeHash)
	}
	return &SafeDeriver{
		Factory:      common.HexToAddress(factory),
		InitCodeHash: common.HexToHash(initCodeHash),
		SaltNonce:    big.NewInt(saltNonce),
	}, nil
}

// DeriveWallet returns the lowercase wallet address owned by signer.
// salt = keccak256(signer (32 bytes) || saltNonce (32 bytes)).
func (d *SafeDeriver) DeriveWallet(signer string) (string, error) {
	if !common.IsHexAddress(signer) {
		return "", fmt.Errorf("invalid signer address %q", signer)
	}

	owner := common.HexToAddress(signer)
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.LeftPadBytes(d.SaltNonce.Bytes(), 32),
	)

	wallet := crypto.CreateAddress2(d.Factory, salt, d.InitCodeHash.Bytes())
	return strings.ToLower(wallet.Hex()), nil
}
