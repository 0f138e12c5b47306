package reorg_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/health"
	"chain-extnode/sync/internal/reorg"
	"chain-extnode/sync/internal/storage"
)

type fakeStore struct {
	miniblocks []storage.SealedMiniblock
}

func (f *fakeStore) InsertMiniblock(ctx context.Context, mb storage.SealedMiniblock) error { return nil }
func (f *fakeStore) InsertBatchHeader(ctx context.Context, h storage.BatchHeader) error     { return nil }
func (f *fakeStore) MarkL1Consistent(ctx context.Context, n uint64) error                   { return nil }
func (f *fakeStore) LastSealedMiniblock(ctx context.Context) (storage.SealedMiniblock, bool, error) {
	if len(f.miniblocks) == 0 {
		return storage.SealedMiniblock{}, false, nil
	}
	return f.miniblocks[len(f.miniblocks)-1], true, nil
}
func (f *fakeStore) LastSealedBatch(ctx context.Context) (storage.BatchHeader, bool, error) {
	return storage.BatchHeader{}, false, nil
}
func (f *fakeStore) BatchHeaderByNumber(ctx context.Context, n uint64) (storage.BatchHeader, bool, error) {
	return storage.BatchHeader{}, false, nil
}
func (f *fakeStore) MiniblockHashByNumber(ctx context.Context, n uint64) (common.Hash, bool, error) {
	for _, mb := range f.miniblocks {
		if mb.Number == n {
			return mb.Hash, true, nil
		}
	}
	return common.Hash{}, false, nil
}
func (f *fakeStore) MiniblockL1BatchNumber(ctx context.Context, n uint64) (uint64, bool, error) {
	for _, mb := range f.miniblocks {
		if mb.Number == n {
			return mb.L1BatchNumber, true, nil
		}
	}
	return 0, false, nil
}
func (f *fakeStore) DeleteTailAfterBatch(ctx context.Context, n uint64) error { return nil }
func (f *fakeStore) Close(ctx context.Context) error                         { return nil }

// fakeRemote mirrors a subset of fakeStore's miniblocks as "the main
// node's view", letting tests diverge it from a given height onward.
type fakeRemote struct {
	hashes map[uint64]common.Hash
}

func (r *fakeRemote) MiniblockHash(ctx context.Context, n uint64) (common.Hash, bool, error) {
	h, ok := r.hashes[n]
	return h, ok, nil
}

func seedHashes(n int) ([]storage.SealedMiniblock, map[uint64]common.Hash) {
	mbs := make([]storage.SealedMiniblock, 0, n)
	remote := make(map[uint64]common.Hash, n)
	for i := 1; i <= n; i++ {
		h := common.BigToHash(big.NewInt(int64(i)))
		mbs = append(mbs, storage.SealedMiniblock{Number: uint64(i), Hash: h, L1BatchNumber: uint64((i-1)/3 + 1)})
		remote[uint64(i)] = h
	}
	return mbs, remote
}

func TestCheckOnceNoDivergenceAdvancesWatermark(t *testing.T) {
	mbs, remote := seedHashes(6)
	store := &fakeStore{miniblocks: mbs}
	d := reorg.New(reorg.Config{
		Local:    store,
		Remote:   &fakeRemote{hashes: remote},
		Interval: time.Second,
		Health:   health.NewRegistry(),
	})

	det, found, err := d.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no divergence, got %+v", det)
	}

	// The watermark is now at miniblock 6, so a later change to an
	// already-verified miniblock is not re-checked.
	remote[6] = common.BigToHash(big.NewInt(999))
	det, found, err = d.CheckOnce(context.Background())
	if err != nil || found {
		t.Fatalf("expected verified miniblocks to be skipped after the watermark advanced, got det=%+v found=%v err=%v", det, found, err)
	}
}

func TestCheckOnceFindsDivergenceBoundary(t *testing.T) {
	mbs, remote := seedHashes(9)
	// Diverge the main node's view from miniblock 7 onward.
	for n := uint64(7); n <= 9; n++ {
		remote[n] = common.BigToHash(big.NewInt(int64(n) + 1000))
	}
	store := &fakeStore{miniblocks: mbs}
	d := reorg.New(reorg.Config{
		Local:    store,
		Remote:   &fakeRemote{hashes: remote},
		Interval: time.Second,
		Health:   health.NewRegistry(),
	})

	det, found, err := d.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected divergence to be detected")
	}
	// Miniblocks 1..6 still match; miniblock 6 belongs to batch 2
	// (batches are groups of 3: 1-3 -> batch1, 4-6 -> batch2).
	if det.BatchNumber != 2 {
		t.Fatalf("expected divergence boundary at batch 2, got %d", det.BatchNumber)
	}
}

func TestCheckOnceFreshGenesisIsNoop(t *testing.T) {
	store := &fakeStore{}
	d := reorg.New(reorg.Config{
		Local:    store,
		Remote:   &fakeRemote{hashes: map[uint64]common.Hash{}},
		Interval: time.Second,
		Health:   health.NewRegistry(),
	})
	_, found, err := d.CheckOnce(context.Background())
	if err != nil || found {
		t.Fatalf("expected clean no-op on empty storage, got found=%v err=%v", found, err)
	}
}
