package impl

import (
	"golang.org/x/crypto/sha3"

	"github.com/NethermindEth/juno/core/felt"
)

// maskHigh6Bits clears the top 6 bits of a 32-byte big-endian digest so
// it fits the 251-bit Starknet field, matching the starknet_keccak
// selector algorithm (mask = 2^250 - 1).
func maskHigh6Bits(digest [32]byte) [32]byte {
	digest[0] &= 0x03
	return digest
}

// StarknetKeccak computes selector(name) = starknet_keccak(name), the
// masked Keccak-256 digest Starknet uses to address contract events and
// entry points.
func StarknetKeccak(name string) *felt.Felt {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(name))
	var digest [32]byte
	h.Sum(digest[:0])
	masked := maskHigh6Bits(digest)
	return new(felt.Felt).SetBytes(masked[:])
}
