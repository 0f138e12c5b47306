// Package supervisor owns the stop signal and the long-lived task set
// of spec.md §4.9: it runs the startup reorg check and pending-batch
// replay, starts the fetcher/loop/sealer/reorg-detector/consistency
// pipeline, waits for the first task to return or for context
// cancellation (e.g. SIGINT propagated by the caller), then broadcasts
// stop and joins everyone within a grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"chain-extnode/sync/internal/reorg"
	"chain-extnode/sync/internal/reverter"
	"chain-extnode/sync/internal/sealer"
	"chain-extnode/sync/internal/statekeeper"
	"chain-extnode/sync/internal/syncaction"
)

// Task is a long-lived component driven by the supervisor. Run must
// return promptly once stop fires (spec.md §5 "Cancellation").
type Task struct {
	Name string
	Run  func(ctx context.Context, stop <-chan struct{}) error
}

// Config bundles everything the supervisor needs to run the startup
// sequence and the steady-state task set.
type Config struct {
	// ReorgDetector is consulted once, synchronously, before any other
	// task starts (spec.md §4.9 step 2).
	ReorgDetector *reorg.Detector
	Reverter      *reverter.Reverter

	// Loop and Sealer are run like any other Task but are referenced
	// directly: the sealer because its Run has no error return of its
	// own (errors surface through Err()), the loop because a pending
	// batch must be replayed through it before Run starts the
	// steady-state task set.
	Loop   *statekeeper.Loop
	Sealer *sealer.Sealer

	// PendingBatch, if non-empty, is replayed through Loop before the
	// steady-state task set starts (spec.md §3 "Pending Batch", §9
	// design note "Pending-batch replay vs. resume").
	PendingBatch []syncaction.Action

	// Tasks is the remaining steady-state task set: fetcher, reorg
	// detector polling loop, consistency checker, plus any out-of-scope
	// collaborators (API, tree indexer, metrics server) the caller wants
	// the same stop/join discipline applied to.
	Tasks []Task

	GracePeriod time.Duration
}

// Supervisor runs the startup sequence and steady-state task set.
type Supervisor struct {
	cfg Config
	log log.Logger
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, log: log.New("component", "supervisor")}
}

// ErrReorgDetected is returned by Run's startup phase when the
// synchronous reorg check finds a divergence. Recovery is by process
// restart (spec.md §7): the caller is expected to exit after Run returns
// this error, since the revert has already completed and a fresh process
// will resume cleanly from the reverted height.
var ErrReorgDetected = errors.New("supervisor: reorg detected and reverted at startup")

// Run executes steps 2-6 of spec.md §4.9. Steps 1, 3 (config load,
// observability init, store opening, genesis/snapshot bootstrap) are the
// caller's responsibility before constructing the Supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.startupReorgCheck(ctx); err != nil {
		return err
	}

	if len(s.cfg.PendingBatch) > 0 && s.cfg.Loop != nil {
		if err := s.cfg.Loop.ReplayPendingBatch(ctx, s.cfg.PendingBatch); err != nil {
			return fmt.Errorf("supervisor: pending batch replay: %w", err)
		}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	broadcastStop := func() {
		stopOnce.Do(func() { close(stop) })
	}

	g, gctx := errgroup.WithContext(ctx)
	tasks := make([]Task, 0, len(s.cfg.Tasks)+2)
	if s.cfg.Loop != nil {
		tasks = append(tasks, Task{Name: "state-keeper", Run: s.cfg.Loop.Run})
	}
	if s.cfg.Sealer != nil {
		tasks = append(tasks, Task{Name: "sealer", Run: func(ctx context.Context, stop <-chan struct{}) error {
			go func() {
				<-stop
				s.cfg.Sealer.Stop()
			}()
			s.cfg.Sealer.Run(ctx)
			return s.cfg.Sealer.Err()
		}})
	}
	tasks = append(tasks, s.cfg.Tasks...)

	for _, t := range tasks {
		t := t
		g.Go(func() error {
			err := t.Run(gctx, stop)
			if err != nil {
				s.log.Error("task exited with error, broadcasting stop", "task", t.Name, "err", err)
			} else {
				s.log.Info("task exited, broadcasting stop", "task", t.Name)
			}
			broadcastStop()
			return err
		})
	}

	// A cancelled ctx (e.g. SIGINT forwarded by the caller) must also
	// broadcast stop, not just a task returning. The watcher also returns
	// once stop fires, so it never holds up the join.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-stop:
		}
		broadcastStop()
		return nil
	})

	waitErrC := make(chan error, 1)
	go func() { waitErrC <- g.Wait() }()

	// The grace period starts once stop has been broadcast.
	var err error
	select {
	case err = <-waitErrC:
	case <-stop:
		select {
		case err = <-waitErrC:
		case <-time.After(s.cfg.GracePeriod):
			s.log.Error("grace period elapsed before all tasks joined, returning")
			return fmt.Errorf("supervisor: tasks did not join within grace period %s", s.cfg.GracePeriod)
		}
	}
	if s.cfg.Sealer != nil {
		s.cfg.Sealer.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) startupReorgCheck(ctx context.Context) error {
	if s.cfg.ReorgDetector == nil || s.cfg.Reverter == nil {
		return nil
	}
	det, found, err := s.cfg.ReorgDetector.CheckOnce(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: startup reorg check: %w", err)
	}
	if !found {
		return nil
	}
	s.log.Error("reorg detected at startup, reverting", "to_batch", det.BatchNumber)
	if err := s.cfg.Reverter.RevertTo(ctx, det.BatchNumber); err != nil {
		return fmt.Errorf("supervisor: startup revert to batch %d: %w", det.BatchNumber, err)
	}
	return fmt.Errorf("%w: batch %d", ErrReorgDetected, det.BatchNumber)
}
