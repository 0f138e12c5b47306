package fetcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/actionqueue"
	"chain-extnode/sync/internal/fetcher"
	"chain-extnode/sync/internal/fetcher/rpcclient"
	"chain-extnode/sync/internal/syncaction"
)

type fakeSource struct {
	mu    sync.Mutex
	pages [][]rpcclient.RemoteMiniblock
	calls int
}

func (f *fakeSource) SyncMiniblocks(ctx context.Context, from uint64, maxCount int) ([]rpcclient.RemoteMiniblock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func oneMiniblockBatch(batch, mb uint64, txHash byte) []rpcclient.RemoteMiniblock {
	return []rpcclient.RemoteMiniblock{{
		Number:       mb,
		Timestamp:    mb,
		BatchNumber:  batch,
		FirstInBatch: true,
		LastInBatch:  true,
		Hash:         common.Hash{0xAA},
		Transactions: []rpcclient.RemoteTx{{Hash: common.Hash{txHash}, GasLimit: 21000}},
	}}
}

func TestFetcherTranslatesSingleMiniblockBatch(t *testing.T) {
	src := &fakeSource{pages: [][]rpcclient.RemoteMiniblock{oneMiniblockBatch(1, 1, 0x01)}}
	q := actionqueue.New(16)
	f := fetcher.New(fetcher.Config{Source: src, Queue: q, BackoffStart: time.Millisecond, BackoffMax: 5 * time.Millisecond})

	stop := make(chan struct{})
	errC := make(chan error, 1)
	go func() { errC <- f.Run(context.Background(), stop) }()

	ctx := context.Background()
	wantKinds := []syncaction.Kind{syncaction.KindOpenBatch, syncaction.KindMiniblock, syncaction.KindTx, syncaction.KindSealMiniblock, syncaction.KindSealBatch}
	for i, want := range wantKinds {
		a, err := q.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if a.Kind != want {
			t.Fatalf("action %d: want %s got %s", i, want, a.Kind)
		}
	}

	close(stop)
	if err := <-errC; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.Cursor().NextMiniblock != 2 {
		t.Fatalf("expected cursor to advance to 2, got %d", f.Cursor().NextMiniblock)
	}
}

func TestFetcherRejectsNonContiguousMiniblock(t *testing.T) {
	src := &fakeSource{pages: [][]rpcclient.RemoteMiniblock{oneMiniblockBatch(1, 5, 0x01)}}
	q := actionqueue.New(16)
	f := fetcher.New(fetcher.Config{Source: src, Queue: q, StartCursor: syncaction.Cursor{NextMiniblock: 1}, BackoffStart: time.Millisecond})

	err := f.Run(context.Background(), make(chan struct{}))
	if err == nil {
		t.Fatal("expected non-contiguous miniblock error")
	}
}

func TestFetcherBacksOffOnEmptyResponse(t *testing.T) {
	src := &fakeSource{pages: nil}
	q := actionqueue.New(16)
	f := fetcher.New(fetcher.Config{Source: src, Queue: q, BackoffStart: 2 * time.Millisecond, BackoffMax: 4 * time.Millisecond})

	stop := make(chan struct{})
	errC := make(chan error, 1)
	go func() { errC <- f.Run(context.Background(), stop) }()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	if err := <-errC; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected no actions enqueued, got %d", q.Len())
	}
}

func TestFetcherStopsBeforePublishingNextBatch(t *testing.T) {
	src := &fakeSource{pages: [][]rpcclient.RemoteMiniblock{
		oneMiniblockBatch(1, 1, 0x01),
		oneMiniblockBatch(2, 2, 0x02),
	}}
	q := actionqueue.New(1) // force the fetcher to block mid-batch

	f := fetcher.New(fetcher.Config{Source: src, Queue: q, BackoffStart: time.Millisecond})
	stop := make(chan struct{})
	errC := make(chan error, 1)
	go func() { errC <- f.Run(context.Background(), stop) }()

	// Let the first OpenBatch land, then stop before draining the rest.
	time.Sleep(5 * time.Millisecond)
	close(stop)

	select {
	case err := <-errC:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not observe stop")
	}
}
