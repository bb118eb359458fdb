package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/NethermindEth/juno/core/felt"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
)

func hexToFelt(h string) (*felt.Felt, error) {
	return snfelt.FromHex(h)
}

func feltsToJSON(fs []*felt.Felt) ([]byte, error) {
	hexes := make([]string, len(fs))
	for i, f := range fs {
		hexes[i] = snfelt.Hex(f)
	}
	b, err := json.Marshal(hexes)
	if err != nil {
		return nil, fmt.Errorf("marshaling felt array: %s", err)
	}
	return b, nil
}

func jsonToFelts(b []byte) ([]*felt.Felt, error) {
	var hexes []string
	if err := json.Unmarshal(b, &hexes); err != nil {
		return nil, fmt.Errorf("unmarshaling felt array: %s", err)
	}
	fs := make([]*felt.Felt, len(hexes))
	for i, h := range hexes {
		f, err := hexToFelt(h)
		if err != nil {
			return nil, err
		}
		fs[i] = f
	}
	return fs, nil
}

func decodedToJSON(m map[string]*felt.Felt) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	hexes := make(map[string]string, len(m))
	for k, v := range m {
		hexes[k] = snfelt.Hex(v)
	}
	b, err := json.Marshal(hexes)
	if err != nil {
		return nil, fmt.Errorf("marshaling decoded map: %s", err)
	}
	return b, nil
}

func jsonToDecoded(b []byte) (map[string]*felt.Felt, error) {
	if b == nil {
		return nil, nil
	}
	var hexes map[string]string
	if err := json.Unmarshal(b, &hexes); err != nil {
		return nil, fmt.Errorf("unmarshaling decoded map: %s", err)
	}
	m := make(map[string]*felt.Felt, len(hexes))
	for k, v := range hexes {
		f, err := hexToFelt(v)
		if err != nil {
			return nil, err
		}
		m[k] = f
	}
	return m, nil
}
