// Package chainsource defines the unified, ordered view of the chain
// the rest of the pipeline consumes: paged historical backfill joined
// seamlessly with a live head subscription. The concrete JSON-RPC/
// WebSocket transport is a named external collaborator, never
// reimplemented here — only the interfaces through which it is consumed.
package chainsource

import (
	"context"

	"github.com/NethermindEth/juno/core/felt"

	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

// RawEvent is one undecoded event exactly as emitted within a block.
type RawEvent struct {
	TxHash          *felt.Felt
	EventIndex      int
	ContractAddress *felt.Felt
	Keys            []*felt.Felt
	Data            []*felt.Felt
}

// BlockCandidate is one block header plus the raw events found in its
// receipts, as produced by the Chain Source for the Reorg Detector and
// Block Processor to consume.
type BlockCandidate struct {
	Header    reorg.Header
	Timestamp uint64
	Events    []RawEvent
}

// TransientNetworkError wraps a failed RPC call. The Source retries only a
// failed or dropped live head subscription (with backoff); a failed block,
// header or head-height fetch is not retried and is returned from Next as
// a TransientNetworkError.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return "transient network error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MalformedResponse is surfaced to the caller; the processor decides how
// to react (typically: treat as fatal for the current run).
type MalformedResponse struct {
	Op  string
	Err error
}

func (e *MalformedResponse) Error() string {
	return "malformed chain response during " + e.Op + ": " + e.Err.Error()
}

func (e *MalformedResponse) Unwrap() error { return e.Err }

// ChainClient is the RPC-side external collaborator: historical block
// paging, the current head, and arbitrary-height header lookups (used by
// the Reorg Detector's walk-back).
type ChainClient interface {
	// BlockNumber returns the chain's current head height.
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockWithReceipts fetches one block's header and raw events.
	BlockWithReceipts(ctx context.Context, number uint64) (*BlockCandidate, error)
	// BlockHeaderByNumber fetches just the header (number/hash/parent) at
	// number, used for ancestor walk-back on a suspected fork.
	BlockHeaderByNumber(ctx context.Context, number uint64) (reorg.Header, error)
}

// Head is one notification from the live head subscription.
type Head struct {
	Number     uint64
	Hash       *felt.Felt
	ParentHash *felt.Felt
	Timestamp  uint64
}

// HeadSubscriber is the WebSocket-side external collaborator.
type HeadSubscriber interface {
	// SubscribeNewHeads opens (or re-opens) a live head subscription. The
	// returned channel is closed when the subscription drops; the caller
	// is responsible for re-subscribing.
	SubscribeNewHeads(ctx context.Context) (<-chan Head, error)
}

// Source is the unified, ordered candidate stream described in §4.C:
// historical backfill, handed off seamlessly to the live subscription.
type Source interface {
	// Next blocks until the next candidate in strictly ascending block
	// order is available, ctx is done, or a fetch fails (returned as a
	// TransientNetworkError or MalformedResponse).
	Next(ctx context.Context) (*BlockCandidate, error)

	// Rewind resets the source's internal cursor to fromBlock-1 and
	// discards any buffered/in-flight candidates, so that the next Next
	// call re-fetches fromBlock and everything above it. Used by the
	// Orchestrator after a reorg rollback commits, per §4.D: "the detector
	// expects the caller to re-drive candidates starting at from_block via
	// the chain source."
	Rewind(fromBlock uint64)
}
