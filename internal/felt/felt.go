// Package felt collects small helpers around *felt.Felt that the rest of
// the indexer needs repeatedly: hex round-tripping, zero-value checks and a
// total order usable as a map key.
package felt

import (
	"fmt"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/NethermindEth/starknet.go/utils"
)

// Key is a fixed-size, comparable stand-in for *felt.Felt so it can be used
// as a map key (contract address, selector, block hash) without relying on
// pointer identity.
type Key [32]byte

// ToKey converts a felt to its map-key representation.
func ToKey(f *felt.Felt) Key {
	if f == nil {
		return Key{}
	}
	return Key(f.Bytes())
}

// FromHex parses a "0x..."-prefixed hex string into a felt.
func FromHex(s string) (*felt.Felt, error) {
	f, err := utils.HexToFelt(s)
	if err != nil {
		return nil, fmt.Errorf("parsing felt from hex %q: %w", s, err)
	}
	return f, nil
}

// Hex renders a felt as a "0x"-prefixed hex string. A nil felt renders as
// "0x0".
func Hex(f *felt.Felt) string {
	if f == nil {
		return "0x0"
	}
	return f.String()
}

// Equal reports whether two (possibly nil) felts hold the same value.
func Equal(a, b *felt.Felt) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// IsZero reports whether f is nil or the zero felt.
func IsZero(f *felt.Felt) bool {
	if f == nil {
		return true
	}
	return f.Equal(&felt.Zero)
}
