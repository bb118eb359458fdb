package sqlite

import (
	"context"
	"database/sql"
	"errors"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

// txn is a persistence.Txn scoped to a single *sql.Tx, mirroring the
// teacher's blockScope: open on Begin, Commit or Rollback exactly once.
type txn struct {
	tx *sql.Tx
}

var _ persistence.Txn = (*txn)(nil)

func (t *txn) UpsertBlock(ctx context.Context, b persistence.Block) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO blocks (block_number, block_hash, parent_hash, timestamp, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(block_number) DO UPDATE SET
			block_hash = excluded.block_hash,
			parent_hash = excluded.parent_hash,
			timestamp = excluded.timestamp,
			status = excluded.status`,
		b.Number, snfelt.Hex(b.Hash), snfelt.Hex(b.ParentHash), b.Timestamp, string(b.Status))
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
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO events (block_hash, tx_hash, event_index, block_number, contract_address, keys, data, decoded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(block_hash, tx_hash, event_index) DO NOTHING`,
			snfelt.Hex(e.BlockHash), snfelt.Hex(e.TxHash), e.EventIndex, e.BlockNumber,
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

func setCursorTx(ctx context.Context, tx *sql.Tx, c persistence.Cursor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cursor (id, last_committed_block_number, last_committed_block_hash)
		VALUES (0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_committed_block_number = excluded.last_committed_block_number,
			last_committed_block_hash = excluded.last_committed_block_hash`,
		c.LastCommittedBlockNumber, snfelt.Hex(c.LastCommittedBlockHash))
	if err != nil {
		return wrapErr("set_cursor", err)
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// Rollback is always safe to call: a no-op after a successful Commit.
func (t *txn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapErr("rollback", err)
	}
	return nil
}
