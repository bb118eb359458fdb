// Package testutil provides fake chain-source collaborators for tests,
// grounded on the teacher's in-process fake chain client pattern used
// throughout pkg/eventprocessor/eventfeed/impl tests (a simulated backend
// standing in for a real JSON-RPC/WebSocket node).
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/NethermindEth/juno/core/felt"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

// FakeChain is an in-memory chain: a slice of blocks keyed by number,
// usable both as a chainsource.ChainClient and, via PushHead, to drive a
// chainsource.HeadSubscriber.
type FakeChain struct {
	mu     sync.Mutex
	blocks map[uint64]*chainsource.BlockCandidate
	heads  chan chainsource.Head
}

var (
	_ chainsource.ChainClient    = (*FakeChain)(nil)
	_ chainsource.HeadSubscriber = (*FakeChain)(nil)
)

// NewFakeChain returns an empty fake chain.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		blocks: make(map[uint64]*chainsource.BlockCandidate),
		heads:  make(chan chainsource.Head, 64),
	}
}

// PutBlock registers a block as part of the chain, addressable by number
// for historical fetches and ancestor walk-back.
func (f *FakeChain) PutBlock(number uint64, hashHex, parentHex string, timestamp uint64, events []chainsource.RawEvent) *chainsource.BlockCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, err := snfelt.FromHex(hashHex)
	if err != nil {
		panic(err)
	}
	parent, err := snfelt.FromHex(parentHex)
	if err != nil {
		panic(err)
	}
	c := &chainsource.BlockCandidate{
		Header:    reorg.Header{Number: number, Hash: hash, ParentHash: parent},
		Timestamp: timestamp,
		Events:    events,
	}
	f.blocks[number] = c
	return c
}

// PushHead simulates a live head delivery, for consumption by whatever
// HeadSubscriber.SubscribeNewHeads caller is reading from f.heads.
func (f *FakeChain) PushHead(number uint64) {
	f.mu.Lock()
	c, ok := f.blocks[number]
	f.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("testutil: PushHead(%d) before PutBlock(%d, ...)", number, number))
	}
	f.heads <- chainsource.Head{
		Number:     c.Header.Number,
		Hash:       c.Header.Hash,
		ParentHash: c.Header.ParentHash,
		Timestamp:  c.Timestamp,
	}
}

// CloseHeads closes the head channel, simulating a dropped subscription.
func (f *FakeChain) CloseHeads() { close(f.heads) }

func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for n := range f.blocks {
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (f *FakeChain) BlockWithReceipts(ctx context.Context, number uint64) (*chainsource.BlockCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.blocks[number]
	if !ok {
		return nil, fmt.Errorf("testutil: no fake block %d", number)
	}
	return c, nil
}

func (f *FakeChain) BlockHeaderByNumber(ctx context.Context, number uint64) (reorg.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.blocks[number]
	if !ok {
		return reorg.Header{}, fmt.Errorf("testutil: no fake block %d", number)
	}
	return c.Header, nil
}

func (f *FakeChain) SubscribeNewHeads(ctx context.Context) (<-chan chainsource.Head, error) {
	return f.heads, nil
}

// FeltHex is a small convenience re-export so tests constructing expected
// values don't need their own import alias for internal/felt.
func FeltHex(h string) *felt.Felt {
	f, err := snfelt.FromHex(h)
	if err != nil {
		panic(err)
	}
	return f
}
