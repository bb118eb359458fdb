package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/stretchr/testify/require"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/internal/testpg"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dsn, err := testpg.URL(ctx)
	require.NoError(t, err)
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func mustFelt(t *testing.T, h string) *felt.Felt {
	t.Helper()
	f, err := snfelt.FromHex(h)
	require.NoError(t, err)
	return f
}

func TestCommitBlockAndEventsInOneTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx)
	require.NoError(t, err)

	block := persistence.Block{
		Number:     10,
		Hash:       mustFelt(t, "0xa"),
		ParentHash: mustFelt(t, "0x9"),
		Timestamp:  1000,
		Status:     persistence.BlockAccepted,
	}
	require.NoError(t, txn.UpsertBlock(ctx, block))
	require.NoError(t, txn.InsertEvents(ctx, []persistence.Event{{
		BlockHash:       block.Hash,
		BlockNumber:     block.Number,
		TxHash:          mustFelt(t, "0x1"),
		EventIndex:      0,
		ContractAddress: mustFelt(t, "0x2"),
		Keys:            []*felt.Felt{mustFelt(t, "0x3")},
		Data:            []*felt.Felt{mustFelt(t, "0x4")},
		Decoded:         map[string]*felt.Felt{"amount": mustFelt(t, "0x5")},
	}}))
	require.NoError(t, txn.SetCursor(ctx, persistence.Cursor{
		LastCommittedBlockNumber: block.Number,
		LastCommittedBlockHash:   block.Hash,
	}))
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, txn.Rollback(ctx))

	got, err := s.GetBlock(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, snfelt.Equal(block.Hash, got.Hash))

	cursor, err := s.GetCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), cursor.LastCommittedBlockNumber)

	events, err := s.GetEventsByBlockNumber(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, snfelt.Equal(events[0].Decoded["amount"], mustFelt(t, "0x5")))
}

func TestDeleteFromCascadesToEventsViaForeignKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for n := uint64(1); n <= 5; n++ {
		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.UpsertBlock(ctx, persistence.Block{
			Number: n, Hash: mustFelt(t, fmt.Sprintf("0x%d", n)), ParentHash: mustFelt(t, fmt.Sprintf("0x%d", n-1)),
			Timestamp: n, Status: persistence.BlockAccepted,
		}))
		require.NoError(t, txn.InsertEvents(ctx, []persistence.Event{{
			BlockHash: mustFelt(t, fmt.Sprintf("0x%d", n)), BlockNumber: n,
			TxHash: mustFelt(t, "0x1"), EventIndex: 0,
			ContractAddress: mustFelt(t, "0x2"), Keys: []*felt.Felt{}, Data: []*felt.Felt{},
		}}))
		require.NoError(t, txn.Commit(ctx))
	}

	removed, err := s.DeleteFrom(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	blockCount, err := s.CountBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), blockCount)

	eventCount, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), eventCount)
}
