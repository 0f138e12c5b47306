package statekeeper

import (
	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/executor"
	"chain-extnode/sync/internal/storage"
	"chain-extnode/sync/internal/syncaction"
)

// UpdatesManager is the batch-scoped accumulator of executed miniblocks
// and the pending miniblock, owned exclusively by the loop. It is never
// shared by reference: the sealer receives a value built from it (move
// semantics), never a pointer into live loop state (spec.md §9 design
// note).
type UpdatesManager struct {
	batch        syncaction.BatchParams
	currentMB    syncaction.MiniblockParams
	currentTxs   []storage.ExecutedTx
	sealedMBs    []storage.SealedMiniblock
}

func newUpdatesManager(batch syncaction.BatchParams) *UpdatesManager {
	u := &UpdatesManager{batch: batch}
	u.openMiniblock(batch.FirstMiniblock)
	return u
}

func (u *UpdatesManager) openMiniblock(p syncaction.MiniblockParams) {
	u.currentMB = p
	u.currentTxs = nil
}

// appendTx records tx's execution result — success flag, gas accounting,
// emitted events (logs) and storage diffs — so the sealer persists the
// full Miniblock Execution Data of spec.md §3, not just the bare
// transaction.
func (u *UpdatesManager) appendTx(tx syncaction.Transaction, res executor.TxResult) {
	diffs := make([]storage.StorageDiff, len(res.StorageDiffs))
	for i, d := range res.StorageDiffs {
		diffs[i] = storage.StorageDiff{Key: d.Key, Value: d.Value}
	}
	u.currentTxs = append(u.currentTxs, storage.ExecutedTx{
		Tx:           tx,
		Success:      res.Kind == executor.ResultSuccess,
		GasUsed:      res.GasUsed,
		GasRefunded:  res.GasRefunded,
		Logs:         res.Logs,
		StorageDiffs: diffs,
	})
}

// dropLastTx removes the most recently appended transaction.
func (u *UpdatesManager) dropLastTx() {
	if len(u.currentTxs) == 0 {
		return
	}
	u.currentTxs = u.currentTxs[:len(u.currentTxs)-1]
}

// sealMiniblock snapshots the current miniblock into SealedMiniblock form
// and appends it to the batch's sealed list. hash is the caller's content
// digest of the batch number, miniblock number and tx hashes
// (hashMiniblock).
func (u *UpdatesManager) sealMiniblock(hash common.Hash) storage.SealedMiniblock {
	mb := storage.SealedMiniblock{
		Number:        u.currentMB.Number,
		Timestamp:     u.currentMB.Timestamp,
		VirtualBlocks: u.currentMB.VirtualBlocks,
		Hash:          hash,
		L1BatchNumber: u.batch.BatchNumber,
		Txs:           append([]storage.ExecutedTx(nil), u.currentTxs...),
	}
	u.sealedMBs = append(u.sealedMBs, mb)
	return mb
}

// buildBatchHeader combines the VM's sealed-batch result with the
// accumulated batch parameters into a durable header (spec.md §3
// "Stored Batch Header").
func buildBatchHeader(batch syncaction.BatchParams, result executor.VmBlockResult) storage.BatchHeader {
	return storage.BatchHeader{
		BatchNumber:      batch.BatchNumber,
		RootHash:         result.RootHash,
		Commitment:       result.Commitment,
		Timestamp:        batch.Timestamp,
		L1TxCount:        result.L1TxCount,
		L2TxCount:        result.L2TxCount,
		SystemLogsDigest: result.SystemLogsDigest,
		BootloaderHash:   result.BootloaderHash,
		DefaultAAHash:    result.DefaultAAHash,
		ProtocolVersion:  batch.ProtocolVersion,
	}
}
