// Package impl implements pkg/reorg's Detector: an in-memory canonical
// tail of the most recent K block headers, walking backward via RPC on a
// fork to find the common ancestor, generalized from the retrieved
// ChainIndexor reorg detector's non-finalized-window verification (there
// DB+meddler-backed; here an in-memory felt-keyed window).
package impl

import (
	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

// Detector is the in-memory reorg.Detector. It is not safe for concurrent
// use: per §5, the CanonicalTail is owned exclusively by the
// Orchestrator's single driving goroutine.
type Detector struct {
	log zerolog.Logger

	windowSize int
	cursor     reorg.Header // last committed block, kept even when tail is empty
	tail       []reorg.Header
}

var _ reorg.Detector = (*Detector)(nil)

// New returns a Detector seeded at cursor (the last committed block) with
// an empty tail and the given window size K.
func New(cursor reorg.Header, windowSize int) *Detector {
	return &Detector{
		log:        logger.With().Str("component", "reorg").Logger(),
		windowSize: windowSize,
		cursor:     cursor,
	}
}

func (d *Detector) Len() int { return len(d.tail) }

// Reset sets the cursor to tip and empties the tail, used once a reorg
// rollback has committed and the new canonical tip is known.
func (d *Detector) Reset(tip reorg.Header) {
	d.cursor = tip
	d.tail = d.tail[:0]
}

// Decide implements the walk-back algorithm from spec §4.D.
func (d *Detector) Decide(candidate reorg.Header, ancestorAt reorg.AncestorFetcher) (reorg.Directive, error) {
	if len(d.tail) == 0 {
		if candidate.Number == d.cursor.Number+1 {
			if feltEqual(candidate.ParentHash, d.cursor.Hash) {
				return d.accept(candidate), nil
			}
			d.log.Warn().
				Uint64("candidate", candidate.Number).
				Uint64("cursor", d.cursor.Number).
				Msg("reorg detected: candidate's parent does not match cursor")
			return reorg.Directive{Kind: reorg.Reorg, FromBlock: d.cursor.Number, OldHash: d.cursor.Hash}, nil
		}
		// Tail empty and candidate doesn't directly follow the cursor:
		// treat as the normal non-contiguous case below, walking back from
		// the candidate to find where it reconnects to known history.
		return d.walkBack(candidate, ancestorAt)
	}

	tip := d.tail[len(d.tail)-1]
	if candidate.Number == tip.Number+1 && feltEqual(candidate.ParentHash, tip.Hash) {
		return d.accept(candidate), nil
	}

	return d.walkBack(candidate, ancestorAt)
}

func (d *Detector) accept(candidate reorg.Header) reorg.Directive {
	d.tail = append(d.tail, candidate)
	if len(d.tail) > d.windowSize {
		d.tail = d.tail[len(d.tail)-d.windowSize:]
	}
	return reorg.Directive{Kind: reorg.Accept, Candidate: candidate}
}

// walkBack fetches ancestors of candidate backward from candidate.Number-1
// until it finds a header whose hash matches some tail entry (or the
// cursor, when the tail is still empty). The matched header's successor
// is the fork point.
func (d *Detector) walkBack(candidate reorg.Header, ancestorAt reorg.AncestorFetcher) (reorg.Directive, error) {
	byHash := make(map[snfelt.Key]uint64, len(d.tail)+1)
	byHash[snfelt.ToKey(d.cursor.Hash)] = d.cursor.Number
	for _, h := range d.tail {
		byHash[snfelt.ToKey(h.Hash)] = h.Number
	}

	steps := 0
	number := candidate.Number - 1
	for steps <= d.windowSize {
		header, err := ancestorAt(number)
		if err != nil {
			return reorg.Directive{}, err
		}
		if forkPoint, ok := byHash[snfelt.ToKey(header.Hash)]; ok {
			d.log.Warn().
				Uint64("candidate", candidate.Number).
				Uint64("fork_point", forkPoint+1).
				Msg("reorg detected")
			return reorg.Directive{Kind: reorg.Reorg, FromBlock: forkPoint + 1, OldHash: d.oldHashAt(forkPoint + 1)}, nil
		}
		if number == 0 {
			break
		}
		number--
		steps++
	}
	return reorg.Directive{}, &reorg.DeepReorgError{CandidateNumber: candidate.Number, WindowSize: d.windowSize}
}

// oldHashAt returns the hash the detector has on record for number, if it
// is the cursor or still resident in the tail — i.e. the invalidated
// chain's block at that height, before it is rolled back.
func (d *Detector) oldHashAt(number uint64) *felt.Felt {
	if d.cursor.Number == number {
		return d.cursor.Hash
	}
	for _, h := range d.tail {
		if h.Number == number {
			return h.Hash
		}
	}
	return nil
}

func feltEqual(a, b *felt.Felt) bool {
	return snfelt.Equal(a, b)
}
