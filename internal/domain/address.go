package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NormalizeAddress validates s as a hex Ethereum address and returns its
// EIP-55 checksummed form. All addresses are normalized at the edge so the
// store's uniqueness constraints compare a single canonical spelling.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// NormalizeTxHash validates s as a 32-byte hex hash and returns it
// lowercased with the 0x prefix.
func NormalizeTxHash(s string) (string, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return "", fmt.Errorf("%w: malformed tx hash %q", ErrInvalidArgument, s)
	}
	return common.BytesToHash(b).Hex(), nil
}
