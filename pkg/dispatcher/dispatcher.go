// Package dispatcher defines the contract for invoking operator-registered
// handlers once a block (or reorg) has been durably committed by the Block
// Processor. Dispatch is at-least-once and sequential: handlers for one
// block run to completion, strictly in event_index order, before the next
// block's handlers begin.
package dispatcher

import (
	"context"

	"github.com/NethermindEth/juno/core/felt"

	"github.com/NethermindEth/starknet-indexer/pkg/blockprocessor"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

// HandlerContext is passed to every handler invocation. Store gives the
// handler its own transaction scope (via Store.Begin) distinct from the one
// the indexer used to commit the triggering block/reorg — handlers own
// their own idempotency and retries (spec §4.F), so they never share the
// indexer's transaction.
type HandlerContext struct {
	Store persistence.Store
}

// DecodedEvent is what an event handler receives: the raw event identity
// plus whatever ABI Registry decoding succeeded (nil if decoding failed or
// no ABI matched — the handler can still inspect Keys/Data directly).
type DecodedEvent struct {
	ContractAddress *felt.Felt
	EventName       string
	BlockNumber     uint64
	TxHash          *felt.Felt
	EventIndex      int
	Keys            []*felt.Felt
	Data            []*felt.Felt
	Decoded         map[string]*felt.Felt
}

// ForkedBlock is passed to the reorg handler: the first rolled-back block
// (the fork point), not the last-still-canonical one (§9 Open Question 1).
// Hash is the invalidated chain's hash at that height when the Reorg
// Detector still had it resident; nil if it wasn't.
type ForkedBlock struct {
	Number uint64
	Hash   *felt.Felt
}

// EventHandler is invoked once per matching event, after the block's
// transaction has committed.
type EventHandler func(ctx context.Context, hctx HandlerContext, event DecodedEvent) error

// ReorgHandler is invoked at most once per reorg directive, after the
// rollback transaction has committed.
type ReorgHandler func(ctx context.Context, hctx HandlerContext, forked ForkedBlock) error

// Dispatcher routes committed blocks and reorgs to operator-registered
// handlers.
type Dispatcher interface {
	// RegisterEventHandler associates handler with every event named
	// eventName emitted by contract. Must be called before the
	// Orchestrator starts; not safe for concurrent use with Dispatch*.
	RegisterEventHandler(contract *felt.Felt, eventName string, handler EventHandler)

	// RegisterReorgHandler installs the single reorg handler, replacing
	// any previously registered one.
	RegisterReorgHandler(handler ReorgHandler)

	// DispatchAccept invokes event handlers for applied's events, in
	// event_index order. A handler error or panic is caught, logged, and
	// does not stop dispatch of subsequent events — the pipeline never
	// halts on handler failure (spec §4.F).
	DispatchAccept(ctx context.Context, applied *blockprocessor.AppliedBlock) error

	// DispatchReorg invokes the reorg handler, if any, with the fork point
	// (the first rolled-back block).
	DispatchReorg(ctx context.Context, applied *blockprocessor.AppliedReorg) error
}
