// Package storage declares the contracts the sealer and reverter consume
// from the relational store and the embedded KV store (spec.md §6
// "Storage contracts"). Concrete implementations live in
// internal/storage/postgres and internal/storage/treedb.
package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/syncaction"
)

// StorageDiff is one key/value slot a transaction wrote, persisted
// alongside it.
type StorageDiff struct {
	Key   []byte
	Value []byte
}

// ExecutedTx is a transaction plus its per-transaction execution result —
// success/revert outcome, emitted events (logs), storage diffs, and gas
// accounting — as spec.md §3 "Miniblock Execution Data" requires the
// sealer to carry downstream of the executor.
type ExecutedTx struct {
	Tx           syncaction.Transaction
	Success      bool
	GasUsed      uint64
	GasRefunded  uint64
	Logs         [][]byte
	StorageDiffs []StorageDiff
}

// SealedMiniblock is the persistence-ready form of a sealed miniblock:
// its header plus the executed transactions and their results.
type SealedMiniblock struct {
	Number        uint64
	Timestamp     uint64
	VirtualBlocks uint32
	Hash          common.Hash
	L1BatchNumber uint64
	Txs           []ExecutedTx
}

// BatchHeader is the durable {batch_number, root_hash, commitment, ...}
// record of spec.md §3 "Stored Batch Header". Commitment and root hash
// are the equality key against the main node.
type BatchHeader struct {
	BatchNumber         uint64
	RootHash            common.Hash
	Commitment          common.Hash
	Timestamp           uint64
	L1TxCount           uint32
	L2TxCount           uint32
	SystemLogsDigest    common.Hash
	BootloaderHash      common.Hash
	DefaultAAHash       common.Hash
	ProtocolVersion     uint32
	L1Consistent        bool
}

// RelationalStore is the transactional session exposed to the sealer and
// reverter: insert miniblocks/batches/transactions and delete tails.
type RelationalStore interface {
	// InsertMiniblock persists a sealed miniblock (and its transactions,
	// events, logs, storage diffs) in a single transaction.
	InsertMiniblock(ctx context.Context, mb SealedMiniblock) error
	// InsertBatchHeader persists the sealed batch header. The loop submits
	// it to the sealer as its own request right after the batch's last
	// miniblock, and the sealer persists requests in that order, so the
	// header is written right after that miniblock.
	InsertBatchHeader(ctx context.Context, h BatchHeader) error
	// MarkL1Consistent flags a batch as verified against L1 (spec.md §4.7).
	MarkL1Consistent(ctx context.Context, batchNumber uint64) error

	// LastSealedMiniblock returns the highest persisted miniblock, or
	// ok=false if storage is empty (fresh genesis).
	LastSealedMiniblock(ctx context.Context) (mb SealedMiniblock, ok bool, err error)
	// LastSealedBatch returns the highest persisted batch header.
	LastSealedBatch(ctx context.Context) (h BatchHeader, ok bool, err error)
	// BatchHeaderByNumber reads back a previously sealed batch header,
	// the read side of invariant I2.
	BatchHeaderByNumber(ctx context.Context, n uint64) (BatchHeader, bool, error)
	// MiniblockHashByNumber returns the locally stored hash for a
	// miniblock, used by the reorg detector.
	MiniblockHashByNumber(ctx context.Context, n uint64) (common.Hash, bool, error)
	// MiniblockL1BatchNumber returns the L1 batch number that sealed
	// miniblock n belongs to, used by the reorg detector to translate a
	// divergence boundary into the batch the reverter targets.
	MiniblockL1BatchNumber(ctx context.Context, n uint64) (uint64, bool, error)

	// DeleteTailAfterBatch deletes batches > n, and their miniblocks,
	// transactions, events, logs, storage diffs, and derived indices, in
	// an order that respects foreign-key dependencies. Idempotent:
	// calling it again with the same n after completion is a no-op.
	DeleteTailAfterBatch(ctx context.Context, n uint64) error

	Close(ctx context.Context) error
}

// KVStore is the embedded Merkle-tree state cache: atomic batched writes
// and a truncation primitive to height N (spec.md §4.8 step 3).
type KVStore interface {
	// ApplyBatch atomically writes a set of key/value pairs produced at
	// height and records height as the new head.
	ApplyBatch(ctx context.Context, height uint64, writes map[string][]byte) error
	// Get reads a key at the current head.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	// SnapshotHeight reports the height the store is currently consistent
	// with.
	SnapshotHeight(ctx context.Context) (uint64, error)
	// TruncateToHeight rolls the store back to the snapshot at height n;
	// if no snapshot exists at exactly n, it truncates and the caller is
	// expected to rebuild lazily. Idempotent.
	TruncateToHeight(ctx context.Context, n uint64) error
	Close() error
}
