// Package persistence defines the abstract contract any relational store
// must satisfy to back the indexer: transactional block/event writes,
// rollback-by-range for reorgs, and cursor tracking. Concrete adapters live
// in sibling packages (pkg/persistence/sqlite, pkg/persistence/postgres).
package persistence

import (
	"context"
	"database/sql"

	"github.com/NethermindEth/juno/core/felt"
)

// BlockStatus reflects whether a stored block is still part of the
// canonical chain as last observed, or pending reconciliation.
type BlockStatus string

const (
	// BlockAccepted is a block the indexer has committed as canonical.
	BlockAccepted BlockStatus = "accepted"
	// BlockPending is a block seen but not yet confirmed as canonical.
	BlockPending BlockStatus = "pending"
)

// Block is the identity+attributes tuple persisted for every indexed
// block. (number) is unique among canonical blocks; (number, hash) is
// unique across every fork ever observed.
type Block struct {
	Number     uint64
	Hash       *felt.Felt
	ParentHash *felt.Felt
	Timestamp  uint64
	Status     BlockStatus
}

// Event is a decoded-or-raw event emitted within a block, keyed by
// (block_hash, tx_hash, event_index).
type Event struct {
	BlockHash       *felt.Felt
	BlockNumber     uint64
	TxHash          *felt.Felt
	EventIndex      int
	ContractAddress *felt.Felt
	Keys            []*felt.Felt
	Data            []*felt.Felt
	// Decoded holds the ABI-decoded fields, keyed by field name. Nil when
	// decoding failed or no subscription's ABI matched.
	Decoded map[string]*felt.Felt
}

// Cursor is the process-wide high-water mark of committed blocks.
type Cursor struct {
	LastCommittedBlockNumber uint64
	LastCommittedBlockHash   *felt.Felt
}

// TransientStorageError wraps a retryable adapter failure (e.g. connection
// loss, serialization conflict). Callers should retry with backoff.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return "transient storage error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// FatalStorageError wraps a non-retryable adapter failure. The caller must
// abort the pipeline in a safe state.
type FatalStorageError struct {
	Op  string
	Err error
}

func (e *FatalStorageError) Error() string {
	return "fatal storage error during " + e.Op + ": " + e.Err.Error()
}

func (e *FatalStorageError) Unwrap() error { return e.Err }

// Txn is a scoped write transaction over the blocks/events/cursor rows.
// Implementations must provide serializable-or-stricter isolation over the
// row ranges it touches.
type Txn interface {
	// UpsertBlock writes (or overwrites) the block header row.
	UpsertBlock(ctx context.Context, b Block) error
	// InsertEvents inserts every event row for the block being processed.
	InsertEvents(ctx context.Context, events []Event) error
	// DeleteFrom removes every block and event row with number >=
	// blockNumber within this transaction, so a reorg rollback and the
	// cursor update that follows it commit atomically (§4.E step 1 / §3
	// Lifecycle). Returns the count of block rows removed.
	DeleteFrom(ctx context.Context, blockNumber uint64) (int64, error)
	// SetCursor records the new high-water mark. Must be committed in the
	// same transaction as the block/events it derives from.
	SetCursor(ctx context.Context, c Cursor) error
	// Commit finalizes the transaction.
	Commit(ctx context.Context) error
	// Rollback aborts the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// Store is the abstract persistence contract a conforming relational
// adapter implements.
type Store interface {
	// Begin opens a new write transaction.
	Begin(ctx context.Context) (Txn, error)

	// DeleteFrom removes every block and event row with number >=
	// blockNumber, atomically, and returns the count of block rows
	// removed. Idempotent: calling it again with nothing to delete
	// returns 0, nil. A standalone operator-driven rewind path; the Block
	// Processor's reorg rollback uses Txn.DeleteFrom instead, so the
	// delete and the cursor update that follows commit as one transaction.
	DeleteFrom(ctx context.Context, blockNumber uint64) (int64, error)

	// GetCursor returns the committed cursor, or (nil, nil) if no block
	// has ever been committed.
	GetCursor(ctx context.Context) (*Cursor, error)

	// SetCursor persists the cursor outside of a block-processing
	// transaction (used only for cursor rewinds by an operator).
	SetCursor(ctx context.Context, c Cursor) error

	// Query is an escape hatch exposed to user handlers; it runs against
	// a connection independent from any in-flight block transaction,
	// consistent with the indexer committing a block in a transaction
	// separate from handler-owned work (see design note on query
	// isolation).
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

	// Migrate applies schema migrations if the adapter supports them.
	Migrate(ctx context.Context) error

	// Close releases the adapter's underlying connections.
	Close() error
}
