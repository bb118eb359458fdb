// Package impl implements chainsource.Source: bounded-concurrency
// historical paging handed off seamlessly to a reconnecting live head
// subscription, generalizing the teacher's buffered-channel head-notify
// loop (eventfeed.Start/notifyNewBlocks) into genuine concurrent fan-out
// bounded by golang.org/x/sync/errgroup.
package impl

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	jitterFraction = 0.2
)

type mode int

const (
	modeHistorical mode = iota
	modeLive
)

// Source is the chainsource.Source implementation.
type Source struct {
	log zerolog.Logger

	client      chainsource.ChainClient
	subscriber  chainsource.HeadSubscriber
	concurrency int

	cursor uint64 // last emitted block number
	mode   mode

	historicalTo uint64 // inclusive upper bound of the initial backfill
	pending      []*chainsource.BlockCandidate

	liveHeads <-chan chainsource.Head
	backoff   time.Duration
}

var _ chainsource.Source = (*Source)(nil)

// New returns a Source that will emit candidates starting at
// startAt+1 (startAt is the last committed block number, or 0 if none).
func New(client chainsource.ChainClient, subscriber chainsource.HeadSubscriber, startAt uint64, concurrency int) *Source {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Source{
		log:         logger.With().Str("component", "chainsource").Logger(),
		client:      client,
		subscriber:  subscriber,
		concurrency: concurrency,
		cursor:      startAt,
		mode:        modeHistorical,
		backoff:     initialBackoff,
	}
}

// Next returns the next candidate in strictly ascending block-number
// order, transparently switching from historical paging to the live
// subscription once the backfill drains, per §4.C.
func (s *Source) Next(ctx context.Context) (*chainsource.BlockCandidate, error) {
	for {
		switch s.mode {
		case modeHistorical:
			candidate, done, err := s.nextHistorical(ctx)
			if err != nil {
				return nil, err
			}
			if !done {
				return candidate, nil
			}
			if err := s.enterLiveMode(ctx); err != nil {
				return nil, err
			}
		case modeLive:
			return s.nextLive(ctx)
		}
	}
}

// nextHistorical serves from the prefetched, resequenced buffer,
// refilling it via a bounded worker pool when empty. done=true signals
// the backfill is exhausted and the caller should enter live mode.
func (s *Source) nextHistorical(ctx context.Context) (candidate *chainsource.BlockCandidate, done bool, err error) {
	if s.historicalTo == 0 {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return nil, false, &chainsource.TransientNetworkError{Op: "block_number", Err: err}
		}
		if head == 0 {
			s.historicalTo = s.cursor // nothing to backfill
		} else {
			s.historicalTo = head - 1
		}
	}

	if s.cursor >= s.historicalTo {
		return nil, true, nil
	}

	if len(s.pending) == 0 {
		if err := s.fillHistoricalBatch(ctx); err != nil {
			return nil, false, err
		}
	}
	if len(s.pending) == 0 {
		return nil, true, nil
	}

	candidate = s.pending[0]
	s.pending = s.pending[1:]
	s.cursor = candidate.Header.Number
	return candidate, false, nil
}

// fillHistoricalBatch fetches up to 2*concurrency blocks concurrently
// (bounded by concurrency workers), then resequences them into strictly
// ascending order before they enter s.pending, per §4.C/§5.
func (s *Source) fillHistoricalBatch(ctx context.Context) error {
	batchSize := 2 * s.concurrency
	from := s.cursor + 1
	to := from + uint64(batchSize) - 1
	if to > s.historicalTo {
		to = s.historicalTo
	}
	if from > to {
		return nil
	}
	count := int(to-from) + 1
	results := make([]*chainsource.BlockCandidate, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := 0; i < count; i++ {
		i := i
		number := from + uint64(i)
		g.Go(func() error {
			candidate, err := s.client.BlockWithReceipts(gctx, number)
			if err != nil {
				return &chainsource.TransientNetworkError{Op: fmt.Sprintf("block_with_receipts(%d)", number), Err: err}
			}
			results[i] = candidate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.pending = results
	return nil
}

func (s *Source) enterLiveMode(ctx context.Context) error {
	s.mode = modeLive
	return nil
}

// Rewind implements chainsource.Source. It discards any buffered historical
// batch and drops the live subscription so the next Next call re-subscribes
// and gap-closes from fromBlock, re-fetching the rolled-back range instead
// of racing ahead from the pre-reorg cursor.
func (s *Source) Rewind(fromBlock uint64) {
	if fromBlock == 0 {
		s.cursor = 0
	} else {
		s.cursor = fromBlock - 1
	}
	s.pending = nil
	s.liveHeads = nil
	s.backoff = initialBackoff
}

// nextLive serves from the live subscription, reconnecting with
// exponential backoff and jitter on drop and closing any gap between the
// cursor and the freshly observed head via RPC before resuming.
func (s *Source) nextLive(ctx context.Context) (*chainsource.BlockCandidate, error) {
	for {
		if s.liveHeads == nil {
			if err := s.subscribeWithGapClose(ctx); err != nil {
				return nil, err
			}
			if len(s.pending) > 0 {
				candidate := s.pending[0]
				s.pending = s.pending[1:]
				s.cursor = candidate.Header.Number
				return candidate, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case head, ok := <-s.liveHeads:
			if !ok {
				s.log.Warn().Msg("live head subscription closed, reconnecting")
				s.liveHeads = nil
				if err := s.sleepBackoff(ctx); err != nil {
					return nil, err
				}
				continue
			}
			s.backoff = initialBackoff
			if head.Number <= s.cursor {
				continue // stale/duplicate notification
			}
			candidate, err := s.client.BlockWithReceipts(ctx, head.Number)
			if err != nil {
				return nil, &chainsource.TransientNetworkError{Op: fmt.Sprintf("block_with_receipts(%d)", head.Number), Err: err}
			}
			s.cursor = candidate.Header.Number
			return candidate, nil
		}
	}
}

// subscribeWithGapClose (re)opens the head subscription and fetches any
// blocks that arrived between s.cursor and the freshly observed head,
// since the source must not assume the live stream resumes where it left
// off (§4.C Reconnection).
func (s *Source) subscribeWithGapClose(ctx context.Context) error {
	heads, err := s.subscriber.SubscribeNewHeads(ctx)
	if err != nil {
		if err := s.sleepBackoff(ctx); err != nil {
			return err
		}
		return nil
	}
	s.liveHeads = heads

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return &chainsource.TransientNetworkError{Op: "block_number", Err: err}
	}
	if head <= s.cursor {
		return nil
	}

	gapSize := int(head - s.cursor)
	results := make([]*chainsource.BlockCandidate, gapSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := 0; i < gapSize; i++ {
		i := i
		number := s.cursor + 1 + uint64(i)
		g.Go(func() error {
			candidate, err := s.client.BlockWithReceipts(gctx, number)
			if err != nil {
				return &chainsource.TransientNetworkError{Op: fmt.Sprintf("block_with_receipts(%d)", number), Err: err}
			}
			results[i] = candidate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.pending = results
	return nil
}

func (s *Source) sleepBackoff(ctx context.Context) error {
	jitter := time.Duration(float64(s.backoff) * jitterFraction * (rand.Float64()*2 - 1))
	wait := s.backoff + jitter
	s.log.Debug().Dur("backoff", wait).Msg("reconnect backoff")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
	return nil
}
