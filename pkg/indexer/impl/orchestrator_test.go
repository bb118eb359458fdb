package impl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	abiimpl "github.com/NethermindEth/starknet-indexer/pkg/abiregistry/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	"github.com/NethermindEth/starknet-indexer/pkg/indexer"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence/sqlite"
	"github.com/NethermindEth/starknet-indexer/pkg/testutil"
)

func hexOfIndexerTest(n uint64) string {
	const hextable = "0123456789abcdef"
	if n == 0 {
		return "0x0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hextable[n%16]
		n /= 16
	}
	return "0x" + string(buf[i:])
}

func TestOrchestratorBackfillsAndDispatchesRegisteredHandler(t *testing.T) {
	fake := testutil.NewFakeChain()
	contract := testutil.FeltHex("0xaaa")
	selector := abiimpl.StarknetKeccak("Transfer")

	for n := uint64(1); n <= 3; n++ {
		fake.PutBlock(n, hexOfIndexerTest(n), hexOfIndexerTest(n-1), n, []chainsource.RawEvent{
			{TxHash: testutil.FeltHex(hexOfIndexerTest(n)), EventIndex: 0, ContractAddress: contract, Keys: []*felt.Felt{selector}},
		})
	}

	store, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	orch, err := New(
		indexer.WithRPCNodeURL("http://fake"),
		indexer.WithWSNodeURL("ws://fake"),
		indexer.WithStore(store),
		indexer.WithChainSource(fake, fake),
		indexer.WithStartingBlockNumber(1),
		indexer.WithHistoricalConcurrency(2),
		indexer.WithReorgWindow(4),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	err = orch.OnEvent(contract, abiregistry.EventABI{Name: "Transfer"}, nil,
		func(ctx context.Context, hctx dispatcher.HandlerContext, event dispatcher.DecodedEvent) error {
			mu.Lock()
			got = append(got, event.BlockNumber)
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for 3 events to dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestOrchestratorRecoversFromSingleBlockReorg(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PutBlock(1, hexOfIndexerTest(1), hexOfIndexerTest(0), 1, nil)
	fake.PutBlock(2, hexOfIndexerTest(2), hexOfIndexerTest(1), 2, nil)
	fake.PutBlock(3, "0x3a", hexOfIndexerTest(2), 3, nil)

	store, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	orch, err := New(
		indexer.WithRPCNodeURL("http://fake"),
		indexer.WithWSNodeURL("ws://fake"),
		indexer.WithStore(store),
		indexer.WithChainSource(fake, fake),
		indexer.WithStartingBlockNumber(1),
		indexer.WithReorgWindow(4),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var forkPoints []uint64
	reorged := make(chan struct{}, 1)
	err = orch.OnReorg(func(ctx context.Context, hctx dispatcher.HandlerContext, forked dispatcher.ForkedBlock) error {
		mu.Lock()
		forkPoints = append(forkPoints, forked.Number)
		mu.Unlock()
		reorged <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	// Historical backfill drains blocks 1-2 (head was 3 at Start); live
	// handoff then delivers the initial version of block 3.
	fake.PushHead(3)

	require.Eventually(t, func() bool {
		c, err := store.GetCursor(context.Background())
		return err == nil && c != nil && c.LastCommittedBlockNumber == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Replace block 3 with a conflicting version at the same height,
	// same parent, and announce it as the new head: a single-block reorg
	// (spec §8 S3).
	fake.PutBlock(3, "0x3b", hexOfIndexerTest(2), 3, nil)
	fake.PushHead(3)

	select {
	case <-reorged:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reorg handler")
	}

	mu.Lock()
	require.Equal(t, []uint64{3}, forkPoints)
	mu.Unlock()

	// The pipeline must re-drive the chain source from the fork point and
	// recommit the replacement block instead of livelocking on the
	// pre-reorg cursor (spec §4.D).
	require.Eventually(t, func() bool {
		c, err := store.GetCursor(context.Background())
		return err == nil && c != nil && c.LastCommittedBlockNumber == 3 &&
			c.LastCommittedBlockHash.Equal(testutil.FeltHex("0x3b"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorOnEventAfterStartReturnsConfigurationError(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PutBlock(1, hexOfIndexerTest(1), hexOfIndexerTest(0), 1, nil)

	store, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	orch, err := New(
		indexer.WithRPCNodeURL("http://fake"),
		indexer.WithWSNodeURL("ws://fake"),
		indexer.WithStore(store),
		indexer.WithChainSource(fake, fake),
		indexer.WithStartingBlockNumber(1),
	)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	err = orch.OnEvent(testutil.FeltHex("0xaaa"), abiregistry.EventABI{Name: "X"}, nil, nil)
	require.Error(t, err)
	var cfgErr *indexer.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestOrchestratorHealthCheckReflectsRecentActivity(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PutBlock(1, hexOfIndexerTest(1), hexOfIndexerTest(0), 1, nil)

	store, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	orch, err := New(
		indexer.WithRPCNodeURL("http://fake"),
		indexer.WithWSNodeURL("ws://fake"),
		indexer.WithStore(store),
		indexer.WithChainSource(fake, fake),
		indexer.WithStartingBlockNumber(1),
	)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	require.Eventually(t, func() bool {
		h := orch.HealthCheck()
		return h.Database
	}, 2*time.Second, 10*time.Millisecond)
}
