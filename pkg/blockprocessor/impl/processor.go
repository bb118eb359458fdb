// Package impl implements blockprocessor.Processor. Its retry discipline
// generalizes the teacher's BlockFailedExecutionBackoff retry loop
// (pkg/eventprocessor/impl/eventprocessor.go runBlockQueries) from "retry
// forever" to "retry bounded, then halt safely", per the commit-once
// transactional-atomicity requirement in §4.A/§4.E.
package impl

import (
	"context"
	"errors"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	"github.com/NethermindEth/starknet-indexer/pkg/blockprocessor"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

const maxCommitAttempts = 5

// Processor is the blockprocessor.Processor implementation.
type Processor struct {
	log zerolog.Logger

	store    persistence.Store
	registry abiregistry.Registry
	subbed   func(contract, selector *felt.Felt) bool

	backoff time.Duration
}

var _ blockprocessor.Processor = (*Processor)(nil)

// New returns a Processor writing through store, decoding via registry,
// and filtering events through subscribed — reports whether a
// (contract, selector) pair has a registered subscription, so events
// from unsubscribed contracts are dropped before persistence (§4.E step
// 1). The Orchestrator backs it with its own set of registered
// (contract, selector) pairs.
func New(store persistence.Store, registry abiregistry.Registry, subscribed func(contract, selector *felt.Felt) bool) *Processor {
	return &Processor{
		log:      logger.With().Str("component", "blockprocessor").Logger(),
		store:    store,
		registry: registry,
		subbed:   subscribed,
		backoff:  200 * time.Millisecond,
	}
}

// ApplyAccept implements blockprocessor.Processor.
func (p *Processor) ApplyAccept(ctx context.Context, candidate *chainsource.BlockCandidate) (*blockprocessor.AppliedBlock, error) {
	events := make([]persistence.Event, 0, len(candidate.Events))
	for _, re := range candidate.Events {
		if len(re.Keys) == 0 {
			continue
		}
		selector := re.Keys[0]
		if !p.subbed(re.ContractAddress, selector) {
			continue
		}
		decoded, err := p.registry.Decode(re.ContractAddress, selector, re.Keys, re.Data)
		if err != nil {
			var decodeErr *abiregistry.AbiDecodeError
			var unknownErr *abiregistry.UnknownSelectorError
			if errors.As(err, &decodeErr) || errors.As(err, &unknownErr) {
				p.log.Warn().Err(err).
					Uint64("block_number", candidate.Header.Number).
					Int("event_index", re.EventIndex).
					Msg("ABI decode failed, persisting event raw")
				decoded = nil
			} else {
				return nil, err
			}
		}
		events = append(events, persistence.Event{
			BlockHash:       candidate.Header.Hash,
			BlockNumber:     candidate.Header.Number,
			TxHash:          re.TxHash,
			EventIndex:      re.EventIndex,
			ContractAddress: re.ContractAddress,
			Keys:            re.Keys,
			Data:            re.Data,
			Decoded:         decoded,
		})
	}

	block := persistence.Block{
		Number:     candidate.Header.Number,
		Hash:       candidate.Header.Hash,
		ParentHash: candidate.Header.ParentHash,
		Timestamp:  candidate.Timestamp,
		Status:     persistence.BlockAccepted,
	}

	if err := p.commitWithRetry(ctx, func(ctx context.Context) error {
		txn, err := p.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = txn.Rollback(ctx) }()

		if err := txn.UpsertBlock(ctx, block); err != nil {
			return err
		}
		if err := txn.InsertEvents(ctx, events); err != nil {
			return err
		}
		if err := txn.SetCursor(ctx, persistence.Cursor{
			LastCommittedBlockNumber: block.Number,
			LastCommittedBlockHash:   block.Hash,
		}); err != nil {
			return err
		}
		return txn.Commit(ctx)
	}); err != nil {
		return nil, err
	}

	return &blockprocessor.AppliedBlock{Block: block, Events: events}, nil
}

// ApplyReorg implements blockprocessor.Processor. The delete and the cursor
// reset commit in one transaction (§4.E step 1 / §3 Lifecycle): a crash
// between them must never leave the on-disk cursor pointing above the
// rolled-back range.
func (p *Processor) ApplyReorg(
	ctx context.Context,
	fromBlock uint64,
	oldHash *felt.Felt,
	newTipAt func(ctx context.Context, number uint64) (reorg.Header, error),
) (*blockprocessor.AppliedReorg, error) {
	var newTip reorg.Header
	if fromBlock > 0 {
		tip, err := newTipAt(ctx, fromBlock-1)
		if err != nil {
			return nil, err
		}
		newTip = tip
	}

	var removed int64
	err := p.commitWithRetry(ctx, func(ctx context.Context) error {
		txn, err := p.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = txn.Rollback(ctx) }()

		n, err := txn.DeleteFrom(ctx, fromBlock)
		if err != nil {
			return err
		}
		removed = n
		if err := txn.SetCursor(ctx, persistence.Cursor{
			LastCommittedBlockNumber: newTip.Number,
			LastCommittedBlockHash:   newTip.Hash,
		}); err != nil {
			return err
		}
		return txn.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return &blockprocessor.AppliedReorg{
		ForkPoint:     fromBlock,
		ForkPointHash: oldHash,
		RemovedCount:  removed,
		NewTip:        newTip,
	}, nil
}

// commitWithRetry retries fn on TransientStorageError with bounded
// exponential backoff, per §4.E step 4: max 5 attempts, then halt safely
// by surfacing the last error (cursor and stored state remain untouched
// since nothing committed).
func (p *Processor) commitWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var transientErr *persistence.TransientStorageError
		if !errors.As(err, &transientErr) {
			return err
		}
		p.log.Warn().Err(err).Int("attempt", attempt).Msg("transient storage error, retrying")
		if attempt == maxCommitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
