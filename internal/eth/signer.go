package eth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const coordinateSize = 32

// SignerAddress derives the on-chain signer address of a COSE-encoded P-256
// passkey public key: the last 20 bytes of keccak256(x || y).
// Keys on any other curve are rejected.
func SignerAddress(cosePublicKey []byte) (string, error) {
	parsed, err := webauthncose.ParsePublicKey(cosePublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}

	var key webauthncose.EC2PublicKeyData
	switch k := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		key = k
	case *webauthncose.EC2PublicKeyData:
		key = *k
	default:
		return "", fmt.Errorf("unsupported key type %T", parsed)
	}

	if key.Curve != int64(webauthncose.P256) {
		return "", fmt.Errorf("unsupported curve %d", key.Curve)
	}
	if len(key.XCoord) > coordinateSize || len(key.YCoord) > coordinateSize {
		return "", fmt.Errorf("malformed P-256 coordinates")
	}

	point := make([]byte, 0, 2*coordinateSize)
	point = append(point, common.LeftPadBytes(key.XCoord, coordinateSize)...)
	point = append(point, common.LeftPadBytes(key.YCoord, coordinateSize)...)

	addr := common.BytesToAddress(crypto.Keccak256(point)[12:])
	return strings.ToLower(addr.Hex()), nil
}
