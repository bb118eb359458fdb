package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

// txn is a persistence.Txn scoped to a single pgx.Tx.
type txn struct {
	tx pgx.Tx
}

var _ persistence.Txn = (*txn)(nil)

func (t *txn) UpsertBlock(ctx context.Context, b persistence.Block) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blocks (block_number, block_hash, parent_hash, timestamp, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (block_number) DO UPDATE SET
			block_hash = excluded.block_hash,
			parent_hash = excluded.parent_hash,
			timestamp = excluded.timestamp,
			status = excluded.status`,
		int64(b.Number), snfelt.Hex(b.Hash), snfelt.Hex(b.ParentHash), int64(b.Timestamp), string(b.Status))
	if err != nil {
		return wrapErr("upsert_block", err)
	}
	return nil
}

func (t *txn) InsertEvents(ctx context.Context, events []persistence.Event) error {
	for _, e := range events {
		keysJSON, err := feltsToJSON(e.Keys)
		if err != nil {
			return wrapErr("insert_events.encode_keys", err)
		}
		dataJSON, err := feltsToJSON(e.Data)
		if err != nil {
			return wrapErr("insert_events.encode_data", err)
		}
		decodedJSON, err := decodedToJSON(e.Decoded)
		if err != nil {
			return wrapErr("insert_events.encode_decoded", err)
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO events (block_hash, tx_hash, event_index, block_number, contract_address, keys, data, decoded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (block_hash, tx_hash, event_index) DO NOTHING`,
			snfelt.Hex(e.BlockHash), snfelt.Hex(e.TxHash), e.EventIndex, int64(e.BlockNumber),
			snfelt.Hex(e.ContractAddress), keysJSON, dataJSON, decodedJSON)
		if err != nil {
			return wrapErr("insert_events", err)
		}
	}
	return nil
}

func (t *txn) DeleteFrom(ctx context.Context, blockNumber uint64) (int64, error) {
	return deleteFromTx(ctx, t.tx, blockNumber)
}

func (t *txn) SetCursor(ctx context.Context, c persistence.Cursor) error {
	return setCursorTx(ctx, t.tx, c)
}

func setCursorTx(ctx context.Context, tx pgx.Tx, c persistence.Cursor) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cursor (id, last_committed_block_number, last_committed_block_hash)
		VALUES (0, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			last_committed_block_number = excluded.last_committed_block_number,
			last_committed_block_hash = excluded.last_committed_block_hash`,
		int64(c.LastCommittedBlockNumber), snfelt.Hex(c.LastCommittedBlockHash))
	if err != nil {
		return wrapErr("set_cursor", err)
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// Rollback is always safe to call: a no-op after a successful Commit.
func (t *txn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return wrapErr("rollback", err)
	}
	return nil
}
