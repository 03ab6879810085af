package eth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/passkey/core"
)

// NormalizeAddress validates a 0x-prefixed 20-byte hex address and returns it lowercased.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return "", fmt.Errorf("address %q lacks 0x prefix: %w", address, core.ErrInvalid)
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("address %q is not 20 hex bytes: %w", address, core.ErrInvalid)
	}
	return "0x" + strings.ToLower(address[2:]), nil
}

// DeriveAddress maps a credential id to a deterministic account address:
// 0x followed by the first 40 hex chars of keccak256(namespace + ":" + credentialID).
func DeriveAddress(namespace, credentialID string) string {
	sum := crypto.Keccak256([]byte(namespace + ":" + credentialID))
	return "0x" + hex.EncodeToString(sum)[:40]
}
