// Package reverter implements the block reverter of spec.md §4.8: given
// a target last-good L1 batch N, it rolls both stores back to it. It is
// invoked only by the supervisor during startup recovery, or via the
// one-shot revert_pending_l1_batch CLI flag — never while the loop is
// running, mirroring the teacher's blockchain.SetHead, which also
// requires the chain not be actively importing blocks while it rewinds.
package reverter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/storage"
)

// Reverter owns both stores long enough to perform a revert; it does not
// own their lifetimes (the supervisor opens and closes them).
type Reverter struct {
	relational storage.RelationalStore
	tree       storage.KVStore
	log        log.Logger
}

// New constructs a reverter over the given stores.
func New(relational storage.RelationalStore, tree storage.KVStore) *Reverter {
	return &Reverter{relational: relational, tree: tree, log: log.New("component", "reverter")}
}

// RevertTo rolls both stores back to batch n. It is safe to call
// multiple times with the same n (spec.md P3): the relational delete and
// the tree truncate are each independently idempotent, so a crash
// between the two steps is resolved by simply re-running RevertTo with
// the same n.
func (r *Reverter) RevertTo(ctx context.Context, n uint64) error {
	before, ok, err := r.relational.LastSealedBatch(ctx)
	if err != nil {
		return fmt.Errorf("reverter: read last sealed batch: %w", err)
	}
	if !ok {
		r.log.Info("revert requested on empty storage, nothing to do", "target_batch", n)
		return nil
	}
	if before.BatchNumber > n {
		r.log.Warn("reverting relational store", "from_batch", before.BatchNumber, "to_batch", n)
		if err := r.relational.DeleteTailAfterBatch(ctx, n); err != nil {
			return fmt.Errorf("reverter: delete relational tail after batch %d: %w", n, err)
		}
	} else {
		r.log.Info("relational store already at or below target", "target_batch", n, "last_sealed", before.BatchNumber)
	}

	mb, ok, err := r.relational.LastSealedMiniblock(ctx)
	if err != nil {
		return fmt.Errorf("reverter: read last sealed miniblock after delete: %w", err)
	}
	truncateHeight := uint64(0)
	if ok {
		truncateHeight = mb.Number
	}
	head, err := r.tree.SnapshotHeight(ctx)
	if err != nil {
		return fmt.Errorf("reverter: read tree store height: %w", err)
	}
	if head <= truncateHeight {
		r.log.Info("revert target already satisfied", "target_batch", n, "tree_height", head)
		return nil
	}
	r.log.Warn("truncating tree store", "to_height", truncateHeight)
	if err := r.tree.TruncateToHeight(ctx, truncateHeight); err != nil {
		return fmt.Errorf("reverter: truncate tree store to height %d: %w", truncateHeight, err)
	}

	r.log.Info("revert complete", "batch", n, "tree_height", truncateHeight)
	return nil
}
