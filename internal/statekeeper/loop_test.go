package statekeeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chain-extnode/sync/internal/actionqueue"
	"chain-extnode/sync/internal/executor"
	"chain-extnode/sync/internal/executor/vm"
	"chain-extnode/sync/internal/health"
	"chain-extnode/sync/internal/sealer"
	"chain-extnode/sync/internal/statekeeper"
	"chain-extnode/sync/internal/storage"
	"chain-extnode/sync/internal/syncaction"
	"chain-extnode/sync/internal/syncstate"
)

// memStore is a minimal in-memory storage.RelationalStore for loop tests.
type memStore struct {
	mu         sync.Mutex
	miniblocks []storage.SealedMiniblock
	batches    []storage.BatchHeader
}

func newMemStore() *memStore { return &memStore{} }

func (m *memStore) InsertMiniblock(ctx context.Context, mb storage.SealedMiniblock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.miniblocks = append(m.miniblocks, mb)
	return nil
}
func (m *memStore) InsertBatchHeader(ctx context.Context, h storage.BatchHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, h)
	return nil
}
func (m *memStore) MarkL1Consistent(ctx context.Context, n uint64) error { return nil }
func (m *memStore) LastSealedMiniblock(ctx context.Context) (storage.SealedMiniblock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.miniblocks) == 0 {
		return storage.SealedMiniblock{}, false, nil
	}
	return m.miniblocks[len(m.miniblocks)-1], true, nil
}
func (m *memStore) LastSealedBatch(ctx context.Context) (storage.BatchHeader, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return storage.BatchHeader{}, false, nil
	}
	return m.batches[len(m.batches)-1], true, nil
}
func (m *memStore) BatchHeaderByNumber(ctx context.Context, n uint64) (storage.BatchHeader, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.batches {
		if h.BatchNumber == n {
			return h, true, nil
		}
	}
	return storage.BatchHeader{}, false, nil
}
func (m *memStore) MiniblockHashByNumber(ctx context.Context, n uint64) (common.Hash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.miniblocks {
		if mb.Number == n {
			return mb.Hash, true, nil
		}
	}
	return common.Hash{}, false, nil
}
func (m *memStore) MiniblockL1BatchNumber(ctx context.Context, n uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.miniblocks {
		if mb.Number == n {
			return mb.L1BatchNumber, true, nil
		}
	}
	return 0, false, nil
}
func (m *memStore) DeleteTailAfterBatch(ctx context.Context, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.batches[:0]
	for _, h := range m.batches {
		if h.BatchNumber <= n {
			kept = append(kept, h)
		}
	}
	m.batches = kept

	keptMB := m.miniblocks[:0]
	for _, mb := range m.miniblocks {
		if mb.L1BatchNumber <= n {
			keptMB = append(keptMB, mb)
		}
	}
	m.miniblocks = keptMB
	return nil
}
func (m *memStore) Close(ctx context.Context) error { return nil }

func newTestLoop(t *testing.T, store *memStore) (*statekeeper.Loop, *actionqueue.Queue, *sealer.Sealer) {
	t.Helper()
	q := actionqueue.New(16)
	s := sealer.New(store, 8, nil)
	go s.Run(context.Background())
	t.Cleanup(s.Stop)

	l := statekeeper.New(statekeeper.Config{
		Queue:  q,
		Sealer: s,
		VMFactory: func(env executor.BatchEnv, sys executor.SystemEnv) executor.VM {
			return vm.New(env, sys)
		},
		State:  syncstate.New(syncstate.Snapshot{}),
		Health: health.NewRegistry(),
	})
	return l, q, s
}

func sendAll(t *testing.T, ctx context.Context, q *actionqueue.Queue, actions []syncaction.Action) {
	t.Helper()
	for _, a := range actions {
		if err := q.Send(ctx, a); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
}

func TestHappyPathSealsOneMiniblockAndBatch(t *testing.T) {
	store := newMemStore()
	l, q, _ := newTestLoop(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	actions := []syncaction.Action{
		syncaction.OpenBatch(syncaction.BatchParams{BatchNumber: 1, Timestamp: 1, FirstMiniblock: syncaction.MiniblockParams{Number: 1, Timestamp: 1}}),
		syncaction.Miniblock(syncaction.MiniblockParams{Number: 1, Timestamp: 1}),
		syncaction.Tx(syncaction.Transaction{Hash: common.HexToHash("0x01")}),
		syncaction.SealMiniblock(),
		syncaction.SealBatch(),
	}
	sendAll(t, ctx, q, actions)
	q.Close()

	stop := make(chan struct{})
	if err := l.Run(ctx, stop); err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.miniblocks) != 1 {
		t.Fatalf("expected 1 sealed miniblock, got %d", len(store.miniblocks))
	}
	if len(store.miniblocks[0].Txs) != 1 || store.miniblocks[0].Txs[0].Tx.Hash != common.HexToHash("0x01") {
		t.Fatalf("unexpected txs in sealed miniblock: %+v", store.miniblocks[0].Txs)
	}
	if !store.miniblocks[0].Txs[0].Success || len(store.miniblocks[0].Txs[0].Logs) == 0 {
		t.Fatalf("expected the executed tx's success flag and logs to be carried through, got %+v", store.miniblocks[0].Txs[0])
	}
	if len(store.batches) != 1 || store.batches[0].BatchNumber != 1 {
		t.Fatalf("expected 1 sealed batch numbered 1, got %+v", store.batches)
	}
}

func TestMultiMiniblockBatchPreservesOrder(t *testing.T) {
	store := newMemStore()
	l, q, _ := newTestLoop(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	actions := []syncaction.Action{
		syncaction.OpenBatch(syncaction.BatchParams{BatchNumber: 1, FirstMiniblock: syncaction.MiniblockParams{Number: 1}}),
		syncaction.Miniblock(syncaction.MiniblockParams{Number: 1}),
		syncaction.Tx(syncaction.Transaction{Hash: common.HexToHash("0x01")}),
		syncaction.SealMiniblock(),
		syncaction.Miniblock(syncaction.MiniblockParams{Number: 2}),
		syncaction.Tx(syncaction.Transaction{Hash: common.HexToHash("0x02")}),
		syncaction.SealMiniblock(),
		syncaction.SealBatch(),
	}
	sendAll(t, ctx, q, actions)
	q.Close()

	if err := l.Run(ctx, make(chan struct{})); err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.miniblocks) != 2 {
		t.Fatalf("expected 2 sealed miniblocks, got %d", len(store.miniblocks))
	}
	if store.miniblocks[0].Number != 1 || store.miniblocks[1].Number != 2 {
		t.Fatalf("miniblocks out of order: %+v", store.miniblocks)
	}
	if len(store.batches) != 1 {
		t.Fatalf("expected 1 sealed batch, got %d", len(store.batches))
	}
}

func TestReplayDivergenceHaltsWithoutPersisting(t *testing.T) {
	store := newMemStore()
	q := actionqueue.New(16)
	s := sealer.New(store, 8, nil)
	go s.Run(context.Background())
	t.Cleanup(s.Stop)

	rejectHash := common.HexToHash("0xbad")
	l := statekeeper.New(statekeeper.Config{
		Queue:  q,
		Sealer: s,
		VMFactory: func(env executor.BatchEnv, sys executor.SystemEnv) executor.VM {
			m := vm.New(env, sys)
			m.RejectHashes = map[common.Hash]bool{rejectHash: true}
			return m
		},
		State:  syncstate.New(syncstate.Snapshot{}),
		Health: health.NewRegistry(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	actions := []syncaction.Action{
		syncaction.OpenBatch(syncaction.BatchParams{BatchNumber: 1, FirstMiniblock: syncaction.MiniblockParams{Number: 1}}),
		syncaction.Miniblock(syncaction.MiniblockParams{Number: 1}),
		syncaction.Tx(syncaction.Transaction{Hash: rejectHash}),
		syncaction.SealMiniblock(),
		syncaction.SealBatch(),
	}
	sendAll(t, ctx, q, actions)
	q.Close()

	err := l.Run(ctx, make(chan struct{}))
	if !errors.Is(err, statekeeper.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 0 {
		t.Fatalf("expected no batch persisted on divergence, got %d", len(store.batches))
	}
}

func TestGracefulShutdownMidBatchDoesNotPersist(t *testing.T) {
	store := newMemStore()
	l, q, _ := newTestLoop(t, store)
	ctx := context.Background()

	if err := q.Send(ctx, syncaction.OpenBatch(syncaction.BatchParams{BatchNumber: 1, FirstMiniblock: syncaction.MiniblockParams{Number: 1}})); err != nil {
		t.Fatal(err)
	}
	if err := q.Send(ctx, syncaction.Miniblock(syncaction.MiniblockParams{Number: 1})); err != nil {
		t.Fatal(err)
	}
	if err := q.Send(ctx, syncaction.Tx(syncaction.Transaction{Hash: common.HexToHash("0x01")})); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx, stop) }()

	time.Sleep(100 * time.Millisecond)
	close(stop)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("unexpected error on graceful shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop within grace period")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.miniblocks) != 0 || len(store.batches) != 0 {
		t.Fatalf("expected nothing persisted on mid-batch shutdown, got miniblocks=%d batches=%d", len(store.miniblocks), len(store.batches))
	}
}
