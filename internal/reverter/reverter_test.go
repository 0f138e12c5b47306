package reverter_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/reverter"
	"chain-extnode/sync/internal/storage"
)

type fakeRelational struct {
	batches    []storage.BatchHeader
	miniblocks []storage.SealedMiniblock
	deleteCalls []uint64
}

func (f *fakeRelational) InsertMiniblock(ctx context.Context, mb storage.SealedMiniblock) error { return nil }
func (f *fakeRelational) InsertBatchHeader(ctx context.Context, h storage.BatchHeader) error     { return nil }
func (f *fakeRelational) MarkL1Consistent(ctx context.Context, n uint64) error                   { return nil }
func (f *fakeRelational) LastSealedMiniblock(ctx context.Context) (storage.SealedMiniblock, bool, error) {
	if len(f.miniblocks) == 0 {
		return storage.SealedMiniblock{}, false, nil
	}
	return f.miniblocks[len(f.miniblocks)-1], true, nil
}
func (f *fakeRelational) LastSealedBatch(ctx context.Context) (storage.BatchHeader, bool, error) {
	if len(f.batches) == 0 {
		return storage.BatchHeader{}, false, nil
	}
	return f.batches[len(f.batches)-1], true, nil
}
func (f *fakeRelational) BatchHeaderByNumber(ctx context.Context, n uint64) (storage.BatchHeader, bool, error) {
	for _, h := range f.batches {
		if h.BatchNumber == n {
			return h, true, nil
		}
	}
	return storage.BatchHeader{}, false, nil
}
func (f *fakeRelational) MiniblockHashByNumber(ctx context.Context, n uint64) (common.Hash, bool, error) {
	return common.Hash{}, false, nil
}
func (f *fakeRelational) MiniblockL1BatchNumber(ctx context.Context, n uint64) (uint64, bool, error) {
	return 0, false, nil
}
func (f *fakeRelational) DeleteTailAfterBatch(ctx context.Context, n uint64) error {
	f.deleteCalls = append(f.deleteCalls, n)
	keptB := f.batches[:0]
	for _, h := range f.batches {
		if h.BatchNumber <= n {
			keptB = append(keptB, h)
		}
	}
	f.batches = keptB
	keptM := f.miniblocks[:0]
	for _, mb := range f.miniblocks {
		if mb.L1BatchNumber <= n {
			keptM = append(keptM, mb)
		}
	}
	f.miniblocks = keptM
	return nil
}
func (f *fakeRelational) Close(ctx context.Context) error { return nil }

type fakeKV struct {
	height          uint64
	truncateCalls   []uint64
}

func (k *fakeKV) ApplyBatch(ctx context.Context, height uint64, writes map[string][]byte) error {
	k.height = height
	return nil
}
func (k *fakeKV) Get(ctx context.Context, key []byte) ([]byte, bool, error) { return nil, false, nil }
func (k *fakeKV) SnapshotHeight(ctx context.Context) (uint64, error)        { return k.height, nil }
func (k *fakeKV) TruncateToHeight(ctx context.Context, n uint64) error {
	k.truncateCalls = append(k.truncateCalls, n)
	if n < k.height {
		k.height = n
	}
	return nil
}
func (k *fakeKV) Close() error { return nil }

func seedStore() (*fakeRelational, *fakeKV) {
	rel := &fakeRelational{
		batches: []storage.BatchHeader{
			{BatchNumber: 1}, {BatchNumber: 2}, {BatchNumber: 3},
		},
		miniblocks: []storage.SealedMiniblock{
			{Number: 1, L1BatchNumber: 1},
			{Number: 2, L1BatchNumber: 2},
			{Number: 3, L1BatchNumber: 2},
			{Number: 4, L1BatchNumber: 3},
		},
	}
	kv := &fakeKV{height: 4}
	return rel, kv
}

func TestRevertToRollsBackBothStores(t *testing.T) {
	rel, kv := seedStore()
	r := reverter.New(rel, kv)

	if err := r.RevertTo(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rel.batches) != 2 || rel.batches[len(rel.batches)-1].BatchNumber != 2 {
		t.Fatalf("expected batches truncated to 2, got %+v", rel.batches)
	}
	if kv.height != 3 {
		t.Fatalf("expected tree truncated to the new tip miniblock height 3, got %d", kv.height)
	}
}

func TestRevertToIsIdempotent(t *testing.T) {
	rel, kv := seedStore()
	r := reverter.New(rel, kv)

	if err := r.RevertTo(context.Background(), 2); err != nil {
		t.Fatalf("first revert: %v", err)
	}
	firstDeleteCalls := len(rel.deleteCalls)
	firstTruncateCalls := len(kv.truncateCalls)

	if err := r.RevertTo(context.Background(), 2); err != nil {
		t.Fatalf("second revert: %v", err)
	}
	if len(rel.batches) != 2 {
		t.Fatalf("state changed on repeated revert: %+v", rel.batches)
	}
	// The second call finds the relational store at the target batch and
	// the tree already at the tip miniblock height, so it makes no further
	// delete or truncate call.
	if len(rel.deleteCalls) != firstDeleteCalls {
		t.Fatalf("expected no additional delete calls, had %d now %d", firstDeleteCalls, len(rel.deleteCalls))
	}
	if len(kv.truncateCalls) != firstTruncateCalls {
		t.Fatalf("expected no additional truncate calls, had %d now %d", firstTruncateCalls, len(kv.truncateCalls))
	}
}

func TestRevertToOnEmptyStorageIsNoop(t *testing.T) {
	rel := &fakeRelational{}
	kv := &fakeKV{}
	r := reverter.New(rel, kv)
	if err := r.RevertTo(context.Background(), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
