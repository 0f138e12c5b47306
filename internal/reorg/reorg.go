// Package reorg implements the reorg detector of spec.md §4.5: a
// read-only task that periodically compares locally sealed miniblock
// hashes against the main node's and, on mismatch, binary-searches the
// divergence boundary the way the teacher's blockchain package finds a
// common ancestor during a chain reorg (core/blockchain.go
// findCommonAncestor), rather than scanning linearly from the watermark.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/health"
	extmetrics "chain-extnode/sync/internal/metrics"
	"chain-extnode/sync/internal/storage"
)

// RemoteHashSource answers "what hash does the main node report for
// miniblock n". ok=false means the main node does not know this
// miniblock yet (treated as transient).
type RemoteHashSource interface {
	MiniblockHash(ctx context.Context, number uint64) (hash common.Hash, ok bool, err error)
}

// Detected is sent when a hash mismatch is found. BatchNumber is the
// last L1 batch number whose miniblocks still match the main node; the
// supervisor reverts to it.
type Detected struct {
	BatchNumber uint64
}

// Config bundles a Detector's dependencies.
type Config struct {
	Local    storage.RelationalStore
	Remote   RemoteHashSource
	Interval time.Duration
	Health   *health.Registry
	Metrics  *extmetrics.Set
}

// Detector never mutates storage (spec.md §4.5 "The detector never
// mutates storage").
type Detector struct {
	local    storage.RelationalStore
	remote   RemoteHashSource
	interval time.Duration
	health   *health.Registry
	metrics  *extmetrics.Set
	log      log.Logger

	watermark uint64
	reorgC    chan Detected
}

// New constructs a detector that has not yet verified any miniblock.
func New(cfg Config) *Detector {
	return &Detector{
		local:    cfg.Local,
		remote:   cfg.Remote,
		interval: cfg.Interval,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		log:      log.New("component", "reorg-detector"),
		reorgC:   make(chan Detected, 1),
	}
}

// Detected delivers the divergence, if any, found by a background Run.
// Buffered by one; the supervisor is expected to stop the pipeline on
// the first signal, so later sends would never be consumed anyway.
func (d *Detector) Detected() <-chan Detected { return d.reorgC }

// CheckOnce performs a single synchronous consistency check, used by the
// supervisor's startup sequence (spec.md §4.9 step 2) before any other
// task starts. It returns the detected divergence batch, if any.
func (d *Detector) CheckOnce(ctx context.Context) (Detected, bool, error) {
	last, ok, err := d.local.LastSealedMiniblock(ctx)
	if err != nil {
		return Detected{}, false, fmt.Errorf("reorg: read last sealed miniblock: %w", err)
	}
	if !ok {
		return Detected{}, false, nil // fresh genesis, nothing to verify
	}

	mismatch, err := d.findMismatch(ctx, d.watermark, last.Number)
	if err != nil {
		return Detected{}, false, err
	}
	if !mismatch.found {
		d.watermark = last.Number
		if d.metrics != nil {
			d.metrics.ReorgDetectorVerified.Update(int64(d.watermark))
		}
		return Detected{}, false, nil
	}

	// The batch holding the first mismatching miniblock is not fully
	// matching; the last good batch is the one before it.
	firstBad, err := d.enclosingBatch(ctx, mismatch.lastGood+1)
	if err != nil {
		return Detected{}, false, err
	}
	batchN := uint64(0)
	if firstBad > 0 {
		batchN = firstBad - 1
	}
	det := Detected{BatchNumber: batchN}
	d.log.Error("reorg detected", "last_good_miniblock", mismatch.lastGood, "last_good_batch", batchN)
	if d.health != nil {
		d.health.Set(health.Record{Component: "reorg-detector", Status: health.NotHealthy, Detail: fmt.Sprintf("reorg at batch %d", batchN)})
	}
	return det, true, nil
}

// Run polls at the configured interval until stop fires or ctx is
// cancelled. On first detected mismatch it sends on Detected() and
// returns, since the supervisor is expected to stop the whole pipeline
// at that point.
func (d *Detector) Run(ctx context.Context, stop <-chan struct{}) error {
	if d.health != nil {
		d.health.Set(health.Record{Component: "reorg-detector", Status: health.Ready})
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	backoff := d.interval
	const maxBackoff = 2 * time.Minute

	for {
		select {
		case <-stop:
			if d.health != nil {
				d.health.Set(health.Record{Component: "reorg-detector", Status: health.ShuttingDown})
			}
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			det, found, err := d.CheckOnce(ctx)
			if errors.Is(err, errTransient) {
				backoff = minDuration(backoff*2, maxBackoff)
				ticker.Reset(backoff)
				continue
			}
			if err != nil {
				return err
			}
			backoff = d.interval
			ticker.Reset(backoff)
			if found {
				d.reorgC <- det
				return nil
			}
		}
	}
}

var errTransient = errors.New("reorg: transient remote read error")

type mismatchResult struct {
	found    bool
	lastGood uint64 // highest miniblock number still matching
}

// findMismatch binary-searches [lo+1, hi] for the first miniblock whose
// remote hash disagrees with the local one, the same divide-and-conquer
// the teacher's blockchain package uses to find a fork's common
// ancestor rather than walking block-by-block.
func (d *Detector) findMismatch(ctx context.Context, lo, hi uint64) (mismatchResult, error) {
	if hi <= lo {
		return mismatchResult{found: false, lastGood: hi}, nil
	}

	matches := func(n uint64) (bool, error) {
		localHash, ok, err := d.local.MiniblockHashByNumber(ctx, n)
		if err != nil {
			return false, fmt.Errorf("reorg: read local hash %d: %w", n, err)
		}
		if !ok {
			return false, fmt.Errorf("reorg: local miniblock %d missing despite being sealed", n)
		}
		remoteHash, ok, err := d.remote.MiniblockHash(ctx, n)
		if err != nil {
			return false, fmt.Errorf("%w: miniblock %d: %v", errTransient, n, err)
		}
		if !ok {
			return false, fmt.Errorf("%w: miniblock %d not yet known to main node", errTransient, n)
		}
		return localHash == remoteHash, nil
	}

	// Fast path: if the tip still matches, nothing diverged.
	tipOK, err := matches(hi)
	if err != nil {
		return mismatchResult{}, err
	}
	if tipOK {
		return mismatchResult{found: false, lastGood: hi}, nil
	}

	good, bad := lo, hi
	for bad-good > 1 {
		mid := good + (bad-good)/2
		ok, err := matches(mid)
		if err != nil {
			return mismatchResult{}, err
		}
		if ok {
			good = mid
		} else {
			bad = mid
		}
	}
	return mismatchResult{found: true, lastGood: good}, nil
}

// enclosingBatch returns the L1 batch number containing miniblock n.
func (d *Detector) enclosingBatch(ctx context.Context, miniblockNumber uint64) (uint64, error) {
	if miniblockNumber == 0 {
		return 0, nil
	}
	batchNumber, ok, err := d.local.MiniblockL1BatchNumber(ctx, miniblockNumber)
	if err != nil {
		return 0, fmt.Errorf("reorg: resolve enclosing batch for miniblock %d: %w", miniblockNumber, err)
	}
	if !ok {
		return 0, fmt.Errorf("reorg: miniblock %d missing despite being sealed", miniblockNumber)
	}
	return batchNumber, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
