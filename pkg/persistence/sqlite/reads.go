package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

// GetBlock returns the stored block row for number, if any. Not part of
// the persistence.Store contract (which intentionally exposes only the
// Query escape hatch for reads); provided for tests and operator tooling.
func (s *Store) GetBlock(ctx context.Context, number uint64) (*persistence.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_number, block_hash, parent_hash, timestamp, status FROM blocks WHERE block_number = ?`, number)
	var num int64
	var hashHex, parentHex, status string
	var ts int64
	if err := row.Scan(&num, &hashHex, &parentHex, &ts, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get_block", err)
	}
	hash, err := hexToFelt(hashHex)
	if err != nil {
		return nil, err
	}
	parent, err := hexToFelt(parentHex)
	if err != nil {
		return nil, err
	}
	return &persistence.Block{
		Number:     uint64(num),
		Hash:       hash,
		ParentHash: parent,
		Timestamp:  uint64(ts),
		Status:     persistence.BlockStatus(status),
	}, nil
}

// CountBlocks returns the total number of stored block rows.
func (s *Store) CountBlocks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, wrapErr("count_blocks", err)
	}
	return n, nil
}

// CountEvents returns the total number of stored event rows.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, wrapErr("count_events", err)
	}
	return n, nil
}

// GetEventsByBlockNumber returns every event stored for a block, ordered
// by event_index ascending.
func (s *Store) GetEventsByBlockNumber(ctx context.Context, number uint64) ([]persistence.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_hash, tx_hash, event_index, block_number, contract_address, keys, data, decoded
		FROM events WHERE block_number = ? ORDER BY event_index ASC`, number)
	if err != nil {
		return nil, wrapErr("get_events_by_block_number", err)
	}
	defer rows.Close()

	var out []persistence.Event
	for rows.Next() {
		var blockHashHex, txHashHex, contractHex, keysJSON, dataJSON string
		var decodedJSON *string
		var eventIndex int
		var blockNumber int64
		if err := rows.Scan(&blockHashHex, &txHashHex, &eventIndex, &blockNumber, &contractHex, &keysJSON, &dataJSON, &decodedJSON); err != nil {
			return nil, wrapErr("get_events_by_block_number.scan", err)
		}
		blockHash, err := hexToFelt(blockHashHex)
		if err != nil {
			return nil, err
		}
		txHash, err := hexToFelt(txHashHex)
		if err != nil {
			return nil, err
		}
		contract, err := hexToFelt(contractHex)
		if err != nil {
			return nil, err
		}
		keys, err := jsonToFelts(keysJSON)
		if err != nil {
			return nil, err
		}
		data, err := jsonToFelts(dataJSON)
		if err != nil {
			return nil, err
		}
		decoded, err := jsonToDecoded(decodedJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, persistence.Event{
			BlockHash:       blockHash,
			BlockNumber:     uint64(blockNumber),
			TxHash:          txHash,
			EventIndex:      eventIndex,
			ContractAddress: contract,
			Keys:            keys,
			Data:            data,
			Decoded:         decoded,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get_events_by_block_number.rows", err)
	}
	return out, nil
}
