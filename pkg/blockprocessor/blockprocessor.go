// Package blockprocessor applies Reorg Detector directives to durable
// storage: filtering and decoding events for Accept, rolling back for
// Reorg, always inside one persistence transaction per directive.
package blockprocessor

import (
	"context"

	"github.com/NethermindEth/juno/core/felt"

	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

// AppliedBlock is the result of successfully applying an Accept
// directive: the committed block plus the events that were actually
// persisted (already filtered to subscribed contracts), for the Handler
// Dispatcher to dispatch.
type AppliedBlock struct {
	Block  persistence.Block
	Events []persistence.Event
}

// AppliedReorg is the result of successfully applying a Reorg directive.
type AppliedReorg struct {
	ForkPoint uint64
	// ForkPointHash is the invalidated chain's hash at ForkPoint, when the
	// Reorg Detector still had it resident (nil otherwise) — the "first
	// rolled-back block" delivered to the reorg handler (§9 Open Question
	// 1), as opposed to NewTip, the last-still-canonical block.
	ForkPointHash *felt.Felt
	RemovedCount  int64
	NewTip        reorg.Header
}

// Processor applies directives emitted by the Reorg Detector.
type Processor interface {
	// ApplyAccept filters candidate.Events to subscribed contracts, decodes
	// what it can, and commits the block+events+cursor in one transaction.
	// Retries TransientStorageError with bounded exponential backoff (max 5
	// attempts); on exhaustion returns the last error unmodified so the
	// Orchestrator can halt safely.
	ApplyAccept(ctx context.Context, candidate *chainsource.BlockCandidate) (*AppliedBlock, error)

	// ApplyReorg deletes rows with number >= fromBlock and resets the
	// cursor to the new tip, in one transaction. oldHash is the detector's
	// best-effort record of the invalidated block's hash at fromBlock,
	// threaded through to the result for the reorg handler; it may be nil.
	ApplyReorg(ctx context.Context, fromBlock uint64, oldHash *felt.Felt, newTipAt func(ctx context.Context, number uint64) (reorg.Header, error)) (*AppliedReorg, error)
}
