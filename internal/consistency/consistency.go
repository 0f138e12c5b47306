// Package consistency implements the consistency checker of spec.md
// §4.7: an independent task that, for each sealed batch with a visible
// L1 commit transaction, decodes the commit calldata and compares the
// committed root hash and commitment against the locally stored values.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/health"
	extmetrics "chain-extnode/sync/internal/metrics"
	"chain-extnode/sync/internal/storage"
)

// ErrInconsistent is fatal (spec.md §7 "L1 inconsistency"): it means a
// sealed batch's on-chain commitment disagrees with what this node
// computed, most likely implying a prior undetected reorg.
var ErrInconsistent = errors.New("consistency: committed batch disagrees with local header")

// CommitData is the decoded result of an L1 commit transaction for one
// batch: the state root and commitment it actually committed.
type CommitData struct {
	RootHash   common.Hash
	Commitment common.Hash
}

// CommitDataDecoder fetches and decodes the L1 commit transaction for a
// batch. Pluggable so the concrete calldata ABI can evolve without
// touching the checker (spec.md §9 design note "commit calldata format
// is out of scope, decoder is a collaborator").
type CommitDataDecoder interface {
	// CommitDataForBatch returns ok=false if no commit transaction for
	// batchNumber is visible on L1 yet (treated as transient: retry).
	CommitDataForBatch(ctx context.Context, batchNumber uint64) (CommitData, bool, error)
}

// Config bundles a Checker's dependencies.
type Config struct {
	Store       storage.RelationalStore
	Decoder     CommitDataDecoder
	Concurrency int // default 10, per spec.md §4.7
	PollEvery   time.Duration
	Health      *health.Registry
	Metrics     *extmetrics.Set
}

// Checker polls L1 with a small concurrency cap and retries transient
// RPC errors indefinitely, once per PollEvery tick; the retry interval
// stays fixed at PollEvery and does not back off. It reports health but
// never blocks the write path.
type Checker struct {
	store       storage.RelationalStore
	decoder     CommitDataDecoder
	concurrency int
	pollEvery   time.Duration
	health      *health.Registry
	metrics     *extmetrics.Set
	log         log.Logger

	nextToCheck uint64
}

// New constructs a checker starting from the first unverified batch.
func New(cfg Config) *Checker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Checker{
		store:       cfg.Store,
		decoder:     cfg.Decoder,
		concurrency: concurrency,
		pollEvery:   cfg.PollEvery,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		log:         log.New("component", "consistency-checker"),
		nextToCheck: 1,
	}
}

// Run polls until stop fires or ctx is cancelled, or ErrInconsistent is
// found, in which case it marks the component unhealthy and returns the
// error so the supervisor can halt the node.
func (c *Checker) Run(ctx context.Context, stop <-chan struct{}) error {
	if c.health != nil {
		c.health.Set(health.Record{Component: "consistency-checker", Status: health.Ready})
	}
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if c.health != nil {
				c.health.Set(health.Record{Component: "consistency-checker", Status: health.ShuttingDown})
			}
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.checkBatch(ctx); err != nil {
				if errors.Is(err, ErrInconsistent) {
					if c.health != nil {
						c.health.Set(health.Record{Component: "consistency-checker", Status: health.NotHealthy, Detail: err.Error()})
					}
					return err
				}
				c.log.Warn("consistency check pass failed, retrying", "err", err)
			}
		}
	}
}

// checkBatch advances nextToCheck by checking every sealed batch not yet
// verified, up to concurrency at a time, stopping at the first unsealed
// or not-yet-committed batch.
func (c *Checker) checkBatch(ctx context.Context) error {
	last, ok, err := c.store.LastSealedBatch(ctx)
	if err != nil {
		return fmt.Errorf("consistency: read last sealed batch: %w", err)
	}
	if !ok || c.nextToCheck > last.BatchNumber {
		return nil
	}

	end := last.BatchNumber
	if end-c.nextToCheck+1 > uint64(c.concurrency) {
		end = c.nextToCheck + uint64(c.concurrency) - 1
	}

	// Each batch is verified independently and concurrently up to the
	// configured cap; one batch's missing L1 commit must not block its
	// siblings, so failures are collected rather than cancelling the rest.
	var wg sync.WaitGroup
	results := make([]error, end-c.nextToCheck+1)
	for n := c.nextToCheck; n <= end; n++ {
		n := n
		idx := n - c.nextToCheck
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[idx] = c.verifyOne(ctx, n)
		}()
	}
	wg.Wait()

	for i, err := range results {
		n := c.nextToCheck + uint64(i)
		if err == nil {
			c.nextToCheck = n + 1
			if c.metrics != nil {
				c.metrics.ConsistentBatch.Update(int64(n))
			}
			continue
		}
		if errors.Is(err, ErrInconsistent) {
			return err
		}
		// Transient or not-yet-committed: stop advancing past this batch,
		// later batches are left for the next poll too since they can't
		// be verified out of order against nextToCheck.
		break
	}
	return nil
}

func (c *Checker) verifyOne(ctx context.Context, batchNumber uint64) error {
	header, ok, err := c.store.BatchHeaderByNumber(ctx, batchNumber)
	if err != nil {
		return fmt.Errorf("consistency: read batch header %d: %w", batchNumber, err)
	}
	if !ok {
		return fmt.Errorf("consistency: batch %d not yet sealed", batchNumber)
	}

	commit, ok, err := c.decoder.CommitDataForBatch(ctx, batchNumber)
	if err != nil {
		return fmt.Errorf("consistency: fetch commit data for batch %d: %w", batchNumber, err)
	}
	if !ok {
		return fmt.Errorf("consistency: batch %d not yet committed on l1", batchNumber)
	}

	if commit.RootHash != header.RootHash || commit.Commitment != header.Commitment {
		return fmt.Errorf("%w: batch %d local root=%s commitment=%s, l1 root=%s commitment=%s",
			ErrInconsistent, batchNumber, header.RootHash, header.Commitment, commit.RootHash, commit.Commitment)
	}

	if err := c.store.MarkL1Consistent(ctx, batchNumber); err != nil {
		return fmt.Errorf("consistency: mark batch %d consistent: %w", batchNumber, err)
	}
	c.log.Debug("batch verified against l1", "batch", batchNumber)
	return nil
}
