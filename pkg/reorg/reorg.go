// Package reorg defines the contract for the short in-memory canonical
// chain tail and the fork-detection directive it produces for every
// candidate block.
package reorg

import (
	"github.com/NethermindEth/juno/core/felt"
)

// Header is the minimal ancestor-chain record the detector needs to
// compare a candidate block against its tail and, on a fork, to walk
// backward via RPC.
type Header struct {
	Number     uint64
	Hash       *felt.Felt
	ParentHash *felt.Felt
}

// DirectiveKind distinguishes the two outcomes of evaluating a candidate.
type DirectiveKind int

const (
	// Accept means the candidate extends the canonical tail.
	Accept DirectiveKind = iota
	// Reorg means a fork was detected; the caller must roll back to
	// FromBlock and re-drive the chain source from there.
	Reorg
)

// Directive is the detector's verdict for one candidate block.
type Directive struct {
	Kind      DirectiveKind
	Candidate Header // valid when Kind == Accept
	FromBlock uint64 // valid when Kind == Reorg: roll back to (exclusive of) this number
	// OldHash is the hash of the invalidated block at FromBlock on the
	// chain being rolled back, when the detector still has it resident in
	// its cursor/tail. Nil if the detector does not hold that height in
	// memory (e.g. a walk-back that matches at the cursor or at the oldest
	// tail entry when the block above it is no longer resident).
	OldHash *felt.Felt
}

// DeepReorgError is fatal: the walk-back exceeded the tail window without
// finding a common ancestor. The caller must stop the pipeline.
type DeepReorgError struct {
	CandidateNumber uint64
	WindowSize      int
}

func (e *DeepReorgError) Error() string {
	return "reorg deeper than canonical tail window"
}

// Detector owns the CanonicalTail and classifies each candidate block
// against it, walking back via AncestorFetcher on a fork.
type Detector interface {
	// Decide evaluates candidate against the current tail. ancestorAt is
	// used only on the fork path, to fetch headers further back than the
	// tail retains.
	Decide(candidate Header, ancestorAt AncestorFetcher) (Directive, error)

	// Reset makes the given header the detector's cursor and empties the
	// tail, used after a reorg rollback completes and the new tip is known.
	Reset(tip Header)

	// Len reports the current tail depth, for observability/tests.
	Len() int
}

// AncestorFetcher fetches the header at a specific block number, used by
// the detector's walk-back when a candidate doesn't extend the tail tip.
type AncestorFetcher func(number uint64) (Header, error)
