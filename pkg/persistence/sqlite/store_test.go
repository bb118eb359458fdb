package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/stretchr/testify/require"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbURI := fmt.Sprintf("file:%s?_journal=WAL&_fk=true", filepath.Join(dir, "state.db"))
	s, err := New(dbURI)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func mustFelt(t *testing.T, h string) *felt.Felt {
	t.Helper()
	f, err := snfelt.FromHex(h)
	require.NoError(t, err)
	return f
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
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

	events := []persistence.Event{
		{
			BlockHash:       block.Hash,
			BlockNumber:     block.Number,
			TxHash:          mustFelt(t, "0x1"),
			EventIndex:      0,
			ContractAddress: mustFelt(t, "0x2"),
			Keys:            []*felt.Felt{mustFelt(t, "0x3")},
			Data:            []*felt.Felt{mustFelt(t, "0x4")},
			Decoded:         map[string]*felt.Felt{"amount": mustFelt(t, "0x5")},
		},
		{
			BlockHash:       block.Hash,
			BlockNumber:     block.Number,
			TxHash:          mustFelt(t, "0x1"),
			EventIndex:      1,
			ContractAddress: mustFelt(t, "0x2"),
			Keys:            []*felt.Felt{mustFelt(t, "0x3")},
			Data:            []*felt.Felt{},
		},
	}
	require.NoError(t, txn.InsertEvents(ctx, events))
	require.NoError(t, txn.SetCursor(ctx, persistence.Cursor{
		LastCommittedBlockNumber: block.Number,
		LastCommittedBlockHash:   block.Hash,
	}))
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, txn.Rollback(ctx)) // no-op after commit

	got, err := s.GetBlock(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, snfelt.Equal(block.Hash, got.Hash))
	require.Equal(t, persistence.BlockAccepted, got.Status)

	cursor, err := s.GetCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.Equal(t, uint64(10), cursor.LastCommittedBlockNumber)

	storedEvents, err := s.GetEventsByBlockNumber(ctx, 10)
	require.NoError(t, err)
	require.Len(t, storedEvents, 2)
	require.Equal(t, 0, storedEvents[0].EventIndex)
	require.Equal(t, 1, storedEvents[1].EventIndex)
	require.NotNil(t, storedEvents[0].Decoded)
	require.True(t, snfelt.Equal(storedEvents[0].Decoded["amount"], mustFelt(t, "0x5")))
	require.Nil(t, storedEvents[1].Decoded)
}

func TestInsertEventsIsIdempotentUnderReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := persistence.Event{
		BlockHash:       mustFelt(t, "0xa"),
		BlockNumber:     10,
		TxHash:          mustFelt(t, "0x1"),
		EventIndex:      0,
		ContractAddress: mustFelt(t, "0x2"),
		Keys:            []*felt.Felt{},
		Data:            []*felt.Felt{},
	}

	for i := 0; i < 2; i++ {
		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.UpsertBlock(ctx, persistence.Block{
			Number: 10, Hash: event.BlockHash, ParentHash: mustFelt(t, "0x9"),
			Timestamp: 1, Status: persistence.BlockAccepted,
		}))
		require.NoError(t, txn.InsertEvents(ctx, []persistence.Event{event}))
		require.NoError(t, txn.Commit(ctx))
	}

	count, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestDeleteFromRemovesBlocksAndEventsAtOrAboveNumber(t *testing.T) {
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

	// Idempotent: nothing left to remove above 3.
	removedAgain, err := s.DeleteFrom(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), removedAgain)
}

func TestGetCursorBeforeAnyCommitReturnsNil(t *testing.T) {
	s := newTestStore(t)
	cursor, err := s.GetCursor(context.Background())
	require.NoError(t, err)
	require.Nil(t, cursor)
}
