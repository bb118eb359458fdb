// Package impl implements pkg/abiregistry's Registry: selector
// computation via masked Keccak-256 and flat ordered-field decoding,
// with composite Cairo types deferred to an injected CompositeDecoder.
package impl

import (
	"sync"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
)

type registration struct {
	abi       abiregistry.EventABI
	composite abiregistry.CompositeDecoder
}

// Registry is the in-memory abiregistry.Registry implementation. All
// registrations happen during startup wiring, before the indexer begins
// dispatching events, so no additional synchronization is required beyond
// what protects concurrent Lookup/Decode calls from a future Register.
type Registry struct {
	log zerolog.Logger

	mu  sync.RWMutex
	byKey map[snfelt.Key]map[snfelt.Key]registration // contract -> selector -> registration
}

var _ abiregistry.Registry = (*Registry)(nil)

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		log:   logger.With().Str("component", "abiregistry").Logger(),
		byKey: make(map[snfelt.Key]map[snfelt.Key]registration),
	}
}

// Register computes abi.Name's selector and associates it with contract.
func (r *Registry) Register(contract *felt.Felt, abi abiregistry.EventABI, composite abiregistry.CompositeDecoder) error {
	selector := StarknetKeccak(abi.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	contractKey := snfelt.ToKey(contract)
	if r.byKey[contractKey] == nil {
		r.byKey[contractKey] = make(map[snfelt.Key]registration)
	}
	r.byKey[contractKey][snfelt.ToKey(selector)] = registration{abi: abi, composite: composite}

	r.log.Debug().
		Str("contract", snfelt.Hex(contract)).
		Str("event", abi.Name).
		Str("selector", snfelt.Hex(selector)).
		Msg("registered event ABI")
	return nil
}

// Lookup returns the ABI registered for (contract, selector).
func (r *Registry) Lookup(contract, selector *felt.Felt) (*abiregistry.EventABI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bySelector, ok := r.byKey[snfelt.ToKey(contract)]
	if !ok {
		return nil, &abiregistry.UnknownSelectorError{Contract: contract, Selector: selector}
	}
	reg, ok := bySelector[snfelt.ToKey(selector)]
	if !ok {
		return nil, &abiregistry.UnknownSelectorError{Contract: contract, Selector: selector}
	}
	abi := reg.abi
	return &abi, nil
}

// Decode decodes keys (keys[0] is the selector, skipped) and data against
// the ABI registered for (contract, selector) by walking Fields in
// declaration order: indexed scalar fields consume one felt from keys
// each, non-indexed scalar fields consume one felt from data each, and
// composite fields are delegated to the ABI's registered
// CompositeDecoder.
func (r *Registry) Decode(contract, selector *felt.Felt, keys, data []*felt.Felt) (map[string]*felt.Felt, error) {
	r.mu.RLock()
	bySelector, ok := r.byKey[snfelt.ToKey(contract)]
	if !ok {
		r.mu.RUnlock()
		return nil, &abiregistry.UnknownSelectorError{Contract: contract, Selector: selector}
	}
	reg, ok := bySelector[snfelt.ToKey(selector)]
	r.mu.RUnlock()
	if !ok {
		return nil, &abiregistry.UnknownSelectorError{Contract: contract, Selector: selector}
	}

	if len(keys) == 0 {
		return nil, &abiregistry.AbiDecodeError{EventName: reg.abi.Name, Reason: "keys array is empty, missing selector"}
	}
	keyFelts := keys[1:] // keys[0] is the selector
	dataFelts := data

	out := make(map[string]*felt.Felt, len(reg.abi.Fields))
	for _, field := range reg.abi.Fields {
		if field.Type != "felt252" {
			if reg.composite == nil {
				return nil, &abiregistry.AbiDecodeError{
					EventName: reg.abi.Name,
					Reason:    "field " + field.Name + " has composite type " + field.Type + " but no CompositeDecoder was registered",
				}
			}
			var window []*felt.Felt
			switch field.Kind {
			case abiregistry.KeyField:
				window = keyFelts
			case abiregistry.DataField:
				window = dataFelts
			}
			value, consumed, err := reg.composite(field.Type, window)
			if err != nil {
				return nil, &abiregistry.AbiDecodeError{EventName: reg.abi.Name, Reason: err.Error()}
			}
			if f, ok := value.(*felt.Felt); ok {
				out[field.Name] = f
			}
			switch field.Kind {
			case abiregistry.KeyField:
				keyFelts = advance(keyFelts, consumed)
			case abiregistry.DataField:
				dataFelts = advance(dataFelts, consumed)
			}
			continue
		}

		switch field.Kind {
		case abiregistry.KeyField:
			if len(keyFelts) == 0 {
				return nil, &abiregistry.AbiDecodeError{EventName: reg.abi.Name, Reason: "keys array exhausted before field " + field.Name}
			}
			out[field.Name] = keyFelts[0]
			keyFelts = keyFelts[1:]
		case abiregistry.DataField:
			if len(dataFelts) == 0 {
				return nil, &abiregistry.AbiDecodeError{EventName: reg.abi.Name, Reason: "data array exhausted before field " + field.Name}
			}
			out[field.Name] = dataFelts[0]
			dataFelts = dataFelts[1:]
		}
	}

	if len(keyFelts) != 0 || len(dataFelts) != 0 {
		return nil, &abiregistry.AbiDecodeError{
			EventName: reg.abi.Name,
			Reason:    "trailing felts left unconsumed after decoding all declared fields",
		}
	}
	return out, nil
}

func advance(felts []*felt.Felt, n int) []*felt.Felt {
	if n >= len(felts) {
		return nil
	}
	return felts[n:]
}
