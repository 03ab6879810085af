package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
	"github.com/shopspring/decimal"
)

const safeOwnerABI = `[{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"isOwner","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

const weiDecimals = 18

// Reader is the subset of ethclient.Client the checker needs
type Reader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SafeOwnershipChecker decides whether a signer still has live authority
// over a Safe wallet: the contract is deployed, holds at least the funded
// threshold and reports the signer through isOwner.
type SafeOwnershipChecker struct {
	client    Reader
	threshold decimal.Decimal
	abi       abi.ABI
}

var _ ports.OwnershipChecker = (*SafeOwnershipChecker)(nil)

// Dial connects to an RPC endpoint
func Dial(ctx context.Context, rpcURL string, threshold decimal.Decimal) (*SafeOwnershipChecker, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return NewSafeOwnershipChecker(client, threshold)
}

// NewSafeOwnershipChecker creates a checker over an existing chain reader.
// threshold is expressed in ether.
func NewSafeOwnershipChecker(client Reader, threshold decimal.Decimal) (*SafeOwnershipChecker, error) {
	parsed, err := abi.JSON(strings.NewReader(safeOwnerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse safe abi: %w", err)
	}
	return &SafeOwnershipChecker{
		client:    client,
		threshold: threshold,
		abi:       parsed,
	}, nil
}

// HasLiveAuthority implements ports.OwnershipChecker.
// Errors are wrapped with core.ErrUpstream.
func (c *SafeOwnershipChecker) HasLiveAuthority(ctx context.Context, wallet, signer string) (bool, error) {
	if !common.IsHexAddress(wallet) || !common.IsHexAddress(signer) {
		return false, fmt.Errorf("malformed wallet or signer: %w", core.ErrInvalid)
	}
	walletAddr := common.HexToAddress(wallet)

	code, err := c.client.CodeAt(ctx, walletAddr, nil)
	if err != nil {
		return false, fmt.Errorf("code lookup: %v: %w", err, core.ErrUpstream)
	}
	if len(code) == 0 {
		return false, nil
	}

	balance, err := c.client.BalanceAt(ctx, walletAddr, nil)
	if err != nil {
		return false, fmt.Errorf("balance lookup: %v: %w", err, core.ErrUpstream)
	}
	if decimal.NewFromBigInt(balance, -weiDecimals).LessThan(c.threshold) {
		return false, nil
	}

	input, err := c.abi.Pack("isOwner", common.HexToAddress(signer))
	if err != nil {
		return false, fmt.Errorf("failed to pack isOwner: %w", err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &walletAddr, Data: input}, nil)
	if err != nil {
		return false, fmt.Errorf("isOwner call: %v: %w", err, core.ErrUpstream)
	}

	values, err := c.abi.Unpack("isOwner", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("isOwner result: %v: %w", err, core.ErrUpstream)
	}
	isOwner, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isOwner returned %T: %w", values[0], core.ErrUpstream)
	}

	return isOwner, nil
}
