// Package abiregistry defines the contract for registering per-contract
// event ABIs and decoding emitted events against them. Selector
// computation and flat scalar-field decoding are implemented by this
// repository; composite Cairo types (structs, tuples, arrays, enums) are
// deferred to a caller-supplied CompositeDecoder.
package abiregistry

import (
	"github.com/NethermindEth/juno/core/felt"
)

// FieldKind distinguishes event fields that are read from the `keys`
// array (indexed) from those read from `data` (non-indexed).
type FieldKind int

const (
	// KeyField is decoded from the event's keys array.
	KeyField FieldKind = iota
	// DataField is decoded from the event's data array.
	DataField
)

// Field describes one named member of an event, in declaration order.
type Field struct {
	Name string
	Kind FieldKind
	// Type is a Cairo type name, e.g. "felt252", "u256", or a composite
	// type name handled by a registered CompositeDecoder. Scalar felt
	// fields use "felt252" and are decoded directly by this package.
	Type string
}

// EventABI is the descriptor for one contract event, keyed by its
// computed selector once registered.
type EventABI struct {
	Name   string
	Fields []Field
}

// CompositeDecoder decodes a single composite-typed field out of a felt
// window, returning the decoded value, how many felts it consumed, and
// an error if the window can't satisfy the type. Registered per ABI by
// the caller; this package never interprets composite Cairo types
// itself.
type CompositeDecoder func(fieldType string, felts []*felt.Felt) (value interface{}, consumed int, err error)

// UnknownSelectorError is returned by Lookup when no ABI is registered
// for a contract+selector pair.
type UnknownSelectorError struct {
	Contract *felt.Felt
	Selector *felt.Felt
}

func (e *UnknownSelectorError) Error() string {
	return "no registered ABI for contract " + e.Contract.String() + " selector " + e.Selector.String()
}

// AbiDecodeError is returned by Decode when the keys/data windows don't
// match the registered field layout (length mismatch, or a composite
// field with no registered CompositeDecoder). The caller still persists
// the raw event with decoded == nil.
type AbiDecodeError struct {
	EventName string
	Reason    string
}

func (e *AbiDecodeError) Error() string {
	return "failed to decode event " + e.EventName + ": " + e.Reason
}

// Registry maps (contract address, selector) to a registered EventABI
// and performs flat scalar-field decoding against it.
type Registry interface {
	// Register associates name's computed selector with abi for contract.
	// Composite fields in abi.Fields are only decodable if composite is
	// non-nil.
	Register(contract *felt.Felt, abi EventABI, composite CompositeDecoder) error

	// Lookup returns the ABI registered for (contract, selector), or
	// UnknownSelectorError.
	Lookup(contract, selector *felt.Felt) (*EventABI, error)

	// Decode decodes keys (with keys[0] == selector) and data against the
	// ABI registered for (contract, selector). Returns AbiDecodeError on
	// any field-layout mismatch.
	Decode(contract, selector *felt.Felt, keys, data []*felt.Felt) (map[string]*felt.Felt, error)
}
