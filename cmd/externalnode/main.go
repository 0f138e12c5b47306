// Command externalnode is the CLI entrypoint for the external node
// state-keeping core: it loads configuration, opens the relational and
// tree stores, runs the startup reorg check, and starts the
// fetcher/state-keeper/sealer/reorg-detector/consistency-checker
// pipeline under the supervisor (spec.md §4.9), matching the way the
// teacher's own cmd/geth wires node.Config into node.New before
// n.Start().
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"chain-extnode/sync/internal/actionqueue"
	"chain-extnode/sync/internal/config"
	"chain-extnode/sync/internal/consistency"
	"chain-extnode/sync/internal/executor"
	"chain-extnode/sync/internal/executor/vm"
	"chain-extnode/sync/internal/fetcher"
	"chain-extnode/sync/internal/fetcher/rpcclient"
	"chain-extnode/sync/internal/health"
	"chain-extnode/sync/internal/logging"
	"chain-extnode/sync/internal/metrics"
	"chain-extnode/sync/internal/reorg"
	"chain-extnode/sync/internal/reverter"
	"chain-extnode/sync/internal/sealer"
	"chain-extnode/sync/internal/statekeeper"
	"chain-extnode/sync/internal/storage/postgres"
	"chain-extnode/sync/internal/storage/treedb"
	"chain-extnode/sync/internal/supervisor"
	"chain-extnode/sync/internal/syncaction"
	"chain-extnode/sync/internal/syncstate"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to the TOML configuration file"}

	mainNodeURLFlag = &cli.StringFlag{Name: "main-node-url", Usage: "main node JSON-RPC endpoint (overrides config)"}
	ethClientURLFlag = &cli.StringFlag{Name: "eth-client-url", Usage: "L1 JSON-RPC endpoint (overrides config)"}

	enableConsensusFlag = &cli.BoolFlag{Name: "enable-consensus", Usage: "use the P2P consensus fetcher instead of RPC polling"}
	enableSnapshotsFlag = &cli.BoolFlag{Name: "enable-snapshots-recovery", Usage: "permit bootstrapping from a snapshot rather than genesis"}

	revertPendingFlag = &cli.BoolFlag{Name: "revert-pending-l1-batch", Usage: "revert the currently pending (unsealed) batch and exit"}
)

func main() {
	app := &cli.App{
		Name:  "externalnode",
		Usage: "external node state-keeping core for an L2 rollup",
		Flags: []cli.Flag{
			configFlag, mainNodeURLFlag, ethClientURLFlag,
			enableConsensusFlag, enableSnapshotsFlag, revertPendingFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(*usageError); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type usageError struct{ error }

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, &usageError{err}
	}
	if v := c.String(mainNodeURLFlag.Name); v != "" {
		cfg.MainNodeURL = v
	}
	if v := c.String(ethClientURLFlag.Name); v != "" {
		cfg.EthClientURL = v
	}
	if c.Bool(enableConsensusFlag.Name) {
		cfg.EnableConsensus = true
	}
	if c.Bool(enableSnapshotsFlag.Name) {
		cfg.EnableSnapshotsRecovery = true
	}
	if c.Bool(revertPendingFlag.Name) {
		cfg.RevertPendingL1Batch = true
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if _, err := logging.Init(logging.Config{
		Level:   cfg.LogSlogLevel(),
		Vmodule: cfg.LogVmodule,
		JSON:    cfg.LogJSON,
	}); err != nil {
		return &usageError{err}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	relStore, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer relStore.Close(context.Background())

	treeStore, err := treedb.Open(cfg.TreeDBPath)
	if err != nil {
		return fmt.Errorf("open tree store: %w", err)
	}
	defer treeStore.Close()

	rev := reverter.New(relStore, treeStore)

	if cfg.RevertPendingL1Batch {
		last, ok, err := relStore.LastSealedBatch(ctx)
		if err != nil {
			return fmt.Errorf("revert_pending_l1_batch: read last sealed batch: %w", err)
		}
		target := uint64(0)
		if ok {
			target = last.BatchNumber
		}
		log.Info("one-shot revert requested", "target_batch", target)
		// The pending batch's miniblocks carry a batch number above the last
		// sealed one; drop them, then let RevertTo bring the tree store down
		// to the remaining tip.
		if err := relStore.DeleteTailAfterBatch(ctx, target); err != nil {
			return fmt.Errorf("revert_pending_l1_batch: %w", err)
		}
		if err := rev.RevertTo(ctx, target); err != nil {
			return fmt.Errorf("revert_pending_l1_batch: %w", err)
		}
		return nil
	}

	healthReg := health.NewRegistry()
	metricsSet := metrics.New()
	state := syncstate.New(syncstate.Snapshot{})

	var startCursor uint64
	if last, ok, err := relStore.LastSealedMiniblock(ctx); err != nil {
		return fmt.Errorf("read last sealed miniblock: %w", err)
	} else if ok {
		startCursor = last.Number + 1
	}

	rpcSrc, err := rpcclient.Dial(ctx, cfg.MainNodeURL)
	if err != nil {
		return fmt.Errorf("dial main node: %w", err)
	}
	defer rpcSrc.Close()

	var src fetcher.Source = rpcSrc
	if cfg.EnableConsensus {
		// A production deployment plugs in a concrete fetcher.ConsensusSource
		// here (validator set, secret material, certificate verification);
		// that wire transport is an external collaborator per spec.md §2.
		return fmt.Errorf("enable_consensus is set but no P2P source is wired into this binary: %w", fetcher.ErrConsensusUnconfigured)
	}

	queue := actionqueue.New(256)
	f := fetcher.New(fetcher.Config{
		Source:      src,
		Queue:       queue,
		Health:      healthReg,
		StartCursor: syncaction.Cursor{NextMiniblock: startCursor},
		RateBurst:   cfg.RateLimitBurst,
		RateRefresh: cfg.RateLimitRefresh.Duration,
	})

	sl := sealer.New(relStore, cfg.MiniblockSealQueueCapacity, metricsSet)

	loop := statekeeper.New(statekeeper.Config{
		Queue:  queue,
		Sealer: sl,
		VMFactory: func(env executor.BatchEnv, sys executor.SystemEnv) executor.VM {
			// The real deterministic bootloader VM is an external
			// collaborator satisfying executor.VM; this binary wires the
			// reference mock so the protocol/state-machine wrapper around
			// it can run standalone.
			return vm.New(env, sys)
		},
		State:   state,
		Health:  healthReg,
		Metrics: metricsSet,
	})

	det := reorg.New(reorg.Config{
		Local:    relStore,
		Remote:   rpcSrc,
		Interval: cfg.ReorgDetectorInterval.Duration,
		Health:   healthReg,
		Metrics:  metricsSet,
	})

	tasks := []supervisor.Task{
		{Name: "fetcher", Run: f.Run},
		{Name: "reorg-detector", Run: det.Run},
	}

	if checker, err := buildConsistencyChecker(ctx, cfg, relStore, healthReg, metricsSet); err != nil {
		return fmt.Errorf("build consistency checker: %w", err)
	} else if checker != nil {
		tasks = append(tasks, supervisor.Task{Name: "consistency-checker", Run: checker.Run})
	}

	sup := supervisor.New(supervisor.Config{
		ReorgDetector: det,
		Reverter:      rev,
		Loop:          loop,
		Sealer:        sl,
		GracePeriod:   cfg.GracePeriod.Duration,
		Tasks:         tasks,
	})

	if err := sup.Run(ctx); err != nil {
		return err
	}
	return nil
}

// buildConsistencyChecker wires internal/consistency against cfg's L1
// endpoint. The commit-transaction index and calldata ABI decoder are
// external collaborators in production (an L1 event indexer and the
// rollup contract's generated binding); noCommitIndex stands in for the
// former so the checker's polling/backoff/concurrency-cap behavior runs
// standalone, always reporting "not yet committed" (treated as
// transient) rather than claiming a false match.
func buildConsistencyChecker(ctx context.Context, cfg config.Config, store *postgres.Store, healthReg *health.Registry, metricsSet *metrics.Set) (*consistency.Checker, error) {
	if cfg.EthClientURL == "" {
		return nil, nil
	}
	decoder, err := consistency.NewL1Decoder(ctx, cfg.EthClientURL, noCommitIndex{}, decodeCommitCalldataStub)
	if err != nil {
		return nil, err
	}
	return consistency.New(consistency.Config{
		Store:       store,
		Decoder:     decoder,
		Concurrency: cfg.ConsistencyCheckerConcurrency,
		PollEvery:   cfg.ConsistencyCheckerPollEvery.Duration,
		Health:      healthReg,
		Metrics:     metricsSet,
	}), nil
}

type noCommitIndex struct{}

func (noCommitIndex) CommitTxHash(ctx context.Context, batchNumber uint64) (common.Hash, bool, error) {
	return common.Hash{}, false, nil
}

func decodeCommitCalldataStub(input []byte) (consistency.CommitData, error) {
	return consistency.CommitData{}, fmt.Errorf("decodeCommitCalldataStub: rollup contract ABI binding not wired into this binary")
}
