// Package statekeeper implements the state-keeper loop of spec.md §4.3:
// the single cooperative task that consumes sync-actions, drives the
// batch executor, and seals miniblocks and batches. It owns the
// in-progress UpdatesManager exclusively; everything it hands to the
// sealer travels by value.
package statekeeper

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/actionqueue"
	"chain-extnode/sync/internal/executor"
	"chain-extnode/sync/internal/health"
	extmetrics "chain-extnode/sync/internal/metrics"
	"chain-extnode/sync/internal/sealer"
	"chain-extnode/sync/internal/storage"
	"chain-extnode/sync/internal/syncaction"
	"chain-extnode/sync/internal/syncstate"
)

// VMFactory constructs a fresh VM for a newly opened batch. Production
// wires this to the real bootloader-backed VM; tests wire it to
// executor/vm.Mock.
type VMFactory func(env executor.BatchEnv, sys executor.SystemEnv) executor.VM

// Loop is the state-keeper: one goroutine, one grammar, one
// UpdatesManager at a time.
type Loop struct {
	queue    *actionqueue.Queue
	sealer   *sealer.Sealer
	vmFor    VMFactory
	state    *syncstate.State
	health   *health.Registry
	metrics  *extmetrics.Set
	log      log.Logger

	grammar *syncaction.Grammar
	updates *UpdatesManager
	handle  *executor.Handle
	sys     executor.SystemEnv

	// lastProgress holds UnixNano of the last sealed miniblock, read by a
	// background ticker from a different goroutine than the one that
	// writes it (spec.md §6 "seconds-since-last-progress"); atomic so no
	// lock is held across that read (spec.md §5 "Shared state").
	lastProgress atomic.Int64
}

// Config bundles the loop's dependencies; passed at construction so no
// global tunables are read inside the loop (spec.md §9 design note "no
// global singletons for configuration thresholds").
type Config struct {
	Queue     *actionqueue.Queue
	Sealer    *sealer.Sealer
	VMFactory VMFactory
	State     *syncstate.State
	Health    *health.Registry
	Metrics   *extmetrics.Set
}

// New constructs a loop in Idle state.
func New(cfg Config) *Loop {
	return &Loop{
		queue:   cfg.Queue,
		sealer:  cfg.Sealer,
		vmFor:   cfg.VMFactory,
		state:   cfg.State,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		log:     log.New("component", "state-keeper"),
		grammar: syncaction.NewGrammar(),
	}
}

// ErrHalted is returned by Run when a fatal protocol or VM divergence
// stopped the loop; the supervisor treats this as a fatal error.
var ErrHalted = errors.New("statekeeper: halted on divergence")

// Run consumes actions until the queue signals end-of-stream, ctx is
// cancelled, or a fatal divergence occurs. It polls for cancellation at
// every suspension point: action dequeue, executor response, sealer
// submission (spec.md §5 "Suspension points").
func (l *Loop) Run(ctx context.Context, stop <-chan struct{}) error {
	l.health.Set(health.Record{Component: "state-keeper", Status: health.Ready})
	defer l.health.Set(health.Record{Component: "state-keeper", Status: health.ShuttingDown})

	// Recv only suspends on ctx, so a blocked Recv would otherwise miss a
	// stop signal that fires while the queue is empty. Derive a context
	// that stop also cancels, so every suspension point — not just the
	// point between actions — observes cooperative shutdown.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	l.lastProgress.Store(time.Now().UnixNano())
	if l.metrics != nil {
		go l.publishSecondsSinceProgress(runCtx)
	}

	for {
		select {
		case <-stop:
			l.log.Info("state-keeper stopping: cooperative shutdown point")
			return l.shutdown()
		default:
		}

		action, err := l.queue.Recv(runCtx)
		if err != nil {
			if errors.Is(err, actionqueue.ErrClosed) {
				l.log.Info("action queue closed, state-keeper stopping")
				return nil
			}
			select {
			case <-stop:
				return l.shutdown()
			default:
			}
			if ctx.Err() != nil {
				return l.shutdown()
			}
			return err
		}
		if l.metrics != nil {
			l.metrics.ActionQueueDepth.Update(int64(l.queue.Len()))
		}

		if err := l.apply(runCtx, action); err != nil {
			select {
			case <-stop:
				return l.shutdown()
			default:
			}
			if ctx.Err() != nil {
				return l.shutdown()
			}
			l.health.Set(health.Record{Component: "state-keeper", Status: health.NotHealthy, Detail: err.Error()})
			l.log.Error("state-keeper halted on divergence", "err", err)
			return fmt.Errorf("%w: %v", ErrHalted, err)
		}
	}
}

// ReplayPendingBatch re-executes a batch recovered from storage through
// the same state machine and VM path as live traffic, rather than
// stitching it onto in-memory state, so the result stays deterministic
// across restarts (spec.md §3 "Pending Batch", §9 design note
// "Pending-batch replay vs. resume"). It must be called before Run starts
// consuming fresh actions, and the grammar must be in Idle.
func (l *Loop) ReplayPendingBatch(ctx context.Context, actions []syncaction.Action) error {
	if l.grammar.State() != syncaction.StateIdle {
		return fmt.Errorf("statekeeper: cannot replay pending batch from state %s", l.grammar.State())
	}
	l.log.Info("replaying pending batch before accepting new actions", "actions", len(actions))
	for _, a := range actions {
		if err := l.apply(ctx, a); err != nil {
			return fmt.Errorf("statekeeper: pending batch replay: %w", err)
		}
	}
	return nil
}

// shutdown discards any open miniblock without persisting it; an open
// batch without a seal is simply left as a pending batch for the next
// startup's replay (spec.md §4.3 "Cooperative shutdown").
func (l *Loop) shutdown() error {
	if l.handle != nil {
		l.log.Info("discarding in-flight miniblock on shutdown", "state", l.grammar.State())
	}
	return nil
}

func (l *Loop) apply(ctx context.Context, a syncaction.Action) error {
	if err := l.grammar.Accept(a.Kind); err != nil {
		return err
	}

	switch a.Kind {
	case syncaction.KindOpenBatch:
		return l.openBatch(ctx, a.Batch)
	case syncaction.KindMiniblock:
		return l.openMiniblock(ctx, a.Miniblock)
	case syncaction.KindTx:
		return l.execTx(ctx, a.Tx)
	case syncaction.KindSealMiniblock:
		return l.sealMiniblock(ctx)
	case syncaction.KindSealBatch:
		return l.sealBatch(ctx)
	default:
		return fmt.Errorf("statekeeper: unknown action kind %v", a.Kind)
	}
}

func (l *Loop) openBatch(ctx context.Context, p syncaction.BatchParams) error {
	l.updates = newUpdatesManager(p)
	l.sys = executor.SystemEnv{ProtocolVersion: p.ProtocolVersion}
	env := executor.BatchEnv{
		BatchNumber:     p.BatchNumber,
		Timestamp:       p.Timestamp,
		FeeInput:        p.FeeInput,
		OperatorAddress: p.OperatorAddress,
		FirstMiniblock:  p.FirstMiniblock,
	}
	vm := l.vmFor(env, l.sys)
	stop := make(chan struct{})
	l.handle = executor.InitBatch(ctx, vm, env, l.sys, stop)
	if l.handle == nil {
		return fmt.Errorf("statekeeper: executor init refused for batch %d", p.BatchNumber)
	}
	l.log.Info("batch opened", "batch", p.BatchNumber)
	return nil
}

func (l *Loop) openMiniblock(ctx context.Context, p syncaction.MiniblockParams) error {
	if err := l.handle.StartNextMiniblock(ctx, p); err != nil {
		return fmt.Errorf("start next miniblock %d: %w", p.Number, err)
	}
	l.updates.openMiniblock(p)
	return nil
}

func (l *Loop) execTx(ctx context.Context, tx syncaction.Transaction) error {
	start := time.Now()
	res, err := l.handle.ExecuteTx(ctx, tx)
	if l.metrics != nil {
		l.metrics.ExecutorTxDuration.UpdateSince(start)
	}
	switch {
	case errors.Is(err, executor.ErrRejectedByVM):
		// The main node already accepted this transaction; our replay
		// rejecting it means the replay has diverged. Fatal (spec.md §4.3).
		return fmt.Errorf("replay divergence on tx %s: %w", tx.Hash, err)
	case errors.Is(err, executor.ErrBootloaderOutOfGas):
		return l.forceSealOnOutOfGas(ctx)
	case err != nil:
		return fmt.Errorf("execute tx %s: %w", tx.Hash, err)
	}
	l.updates.appendTx(tx, res)
	return nil
}

// forceSealOnOutOfGas handles the BootloaderOutOfGas path of spec.md
// §4.3. The offending tx was never appended to the UpdatesManager (execTx
// returns before appendTx), so only the VM handle is asked to roll it
// back; a refusal of that rollback is logged. Nothing is sealed: the
// condition is treated as fatal divergence, since an external node must
// not reorder or drop transactions the main node included — it can only
// refuse to persist what it could not reproduce.
func (l *Loop) forceSealOnOutOfGas(ctx context.Context) error {
	if err := l.handle.RollbackLastTx(ctx); err != nil {
		l.log.Warn("rollback on bootloader-out-of-gas failed", "err", err)
	}
	return fmt.Errorf("bootloader out of gas: %w", executor.ErrBootloaderOutOfGas)
}

func (l *Loop) sealMiniblock(ctx context.Context) error {
	// The miniblock hash is derived from its contents; the real VM would
	// report it as part of execution. We compute a content digest here so
	// the sealer has a stable hash to persist and the reorg detector has
	// something to compare.
	hash := hashMiniblock(l.updates.batch.BatchNumber, l.updates.currentMB.Number, l.updates.currentTxs)
	sealed := l.updates.sealMiniblock(hash)

	req := sealer.SealRequest{Miniblock: &sealed}
	if err := l.sealer.Submit(ctx, req); err != nil {
		return fmt.Errorf("submit sealed miniblock %d: %w", sealed.Number, err)
	}

	l.lastProgress.Store(time.Now().UnixNano())
	l.state.Set(syncstate.Snapshot{SealedMiniblock: sealed.Number, SealedBatch: l.state.Get().SealedBatch})
	if l.metrics != nil {
		l.metrics.SealedMiniblock.Update(int64(sealed.Number))
		l.metrics.SecondsSinceProgress.Update(0)
	}
	return nil
}

// publishSecondsSinceProgress periodically recomputes the
// seconds-since-last-progress gauge from lastProgress (spec.md §6 "the
// loop additionally publishes ... seconds-since-last-progress"), so the
// metric reflects actual idle time rather than only ever reading 0 right
// after a seal. It runs on its own goroutine since lastProgress is
// written by the loop goroutine on every seal; it exits once runCtx is
// done.
func (l *Loop) publishSecondsSinceProgress(runCtx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, l.lastProgress.Load())
			l.metrics.SecondsSinceProgress.Update(time.Since(last).Seconds())
		}
	}
}

func (l *Loop) sealBatch(ctx context.Context) error {
	result, err := l.handle.FinishBatch(ctx)
	if err != nil {
		return fmt.Errorf("finish batch %d: %w", l.updates.batch.BatchNumber, err)
	}
	header := buildBatchHeader(l.updates.batch, result)

	// The last miniblock was already submitted to the sealer by
	// sealMiniblock (spec.md §4.3 "On SealMiniblock"); the batch header
	// is submitted here as its own request, which the sealer's strictly
	// serial single-writer queue persists right behind it, achieving the
	// "sealed atomically with the last miniblock's persistence" ordering
	// of spec.md §4.3 "On SealBatch" without a duplicate miniblock write.
	lastMB := l.updates.sealedMBs[len(l.updates.sealedMBs)-1]
	req := sealer.SealRequest{BatchHeader: &header}
	if err := l.sealer.Submit(ctx, req); err != nil {
		return fmt.Errorf("submit sealed batch %d: %w", header.BatchNumber, err)
	}

	l.state.Set(syncstate.Snapshot{SealedMiniblock: lastMB.Number, SealedBatch: header.BatchNumber})
	if l.metrics != nil {
		l.metrics.SealedBatch.Update(int64(header.BatchNumber))
	}
	l.log.Info("batch sealed", "batch", header.BatchNumber, "root", header.RootHash, "commitment", header.Commitment)

	l.updates = nil
	l.handle = nil
	return nil
}

func hashMiniblock(batch, number uint64, txs []storage.ExecutedTx) common.Hash {
	h := sha256.New()
	var buf [16]byte
	putUint64(buf[0:8], batch)
	putUint64(buf[8:16], number)
	h.Write(buf[:])
	for _, tx := range txs {
		h.Write(tx.Tx.Hash.Bytes())
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}
