// Package fetcher translates the ordered block stream pulled from an
// upstream source into the sync-action stream the state-keeper loop
// consumes (spec.md §4.2). Two variants are interchangeable behind the
// Source interface: RPC polling against the main node, or a P2P
// consensus subscription; Fetcher guarantees F1-F3 for either
// (monotonicity, at-most-once delivery, prompt return on stop).
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"chain-extnode/sync/internal/actionqueue"
	"chain-extnode/sync/internal/fetcher/rpcclient"
	"chain-extnode/sync/internal/health"
	"chain-extnode/sync/internal/syncaction"
)

// Source is the minimal upstream contract an RPC or P2P fetcher
// implementation must satisfy to feed Fetcher.Run: fetch the next run of
// miniblocks starting at fromMiniblock, up to maxCount of them. An empty
// result (and no error) means "nothing new yet" and is handled as
// transient backoff by Run, never surfaced as an error.
type Source interface {
	SyncMiniblocks(ctx context.Context, fromMiniblock uint64, maxCount int) ([]rpcclient.RemoteMiniblock, error)
}

// Config bundles the dependencies and tunables of a Fetcher.
type Config struct {
	Source       Source
	Queue        *actionqueue.Queue
	Health       *health.Registry
	StartCursor  syncaction.Cursor
	MaxBatch     int           // max miniblocks requested per poll
	BackoffStart time.Duration // initial backoff on an empty response
	BackoffMax   time.Duration
	RateBurst    int           // token bucket burst size (rate_limit_burst)
	RateRefresh  time.Duration // token bucket refresh period (rate_limit_refresh)
}

// Fetcher polls a Source and publishes the resulting sync-actions to the
// action queue, honoring F1 (strict monotonicity), F2 (at-most-once per
// height — it never re-requests a height it has already enqueued), and
// F3 (it checks the stop signal before every action it enqueues and while
// blocked on a full queue, and returns at that point; a batch whose
// actions were only partly enqueued when stop fired is not finished).
type Fetcher struct {
	source Source
	queue  *actionqueue.Queue
	health *health.Registry
	limiter *rate.Limiter
	cfg    Config
	log    log.Logger

	cursor syncaction.Cursor
}

// New constructs a Fetcher starting from cfg.StartCursor. The token
// bucket is sized from cfg.RateBurst/cfg.RateRefresh (spec.md §6
// "rate_limit_burst, rate_limit_refresh").
func New(cfg Config) *Fetcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.BackoffStart <= 0 {
		cfg.BackoffStart = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateBurst > 0 && cfg.RateRefresh > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateRefresh/time.Duration(cfg.RateBurst)), cfg.RateBurst)
	}
	return &Fetcher{
		source:  cfg.Source,
		queue:   cfg.Queue,
		health:  cfg.Health,
		limiter: limiter,
		cfg:     cfg,
		log:     log.New("component", "fetcher-rpc"),
		cursor:  cfg.StartCursor,
	}
}

// Cursor reports the fetcher's current replay position.
func (f *Fetcher) Cursor() syncaction.Cursor { return f.cursor }

// Run polls the source until stop fires or ctx is cancelled. It honors
// the token-bucket rate limit and backs off exponentially on empty
// responses, resetting to the configured start on any progress.
func (f *Fetcher) Run(ctx context.Context, stop <-chan struct{}) error {
	if f.health != nil {
		f.health.Set(health.Record{Component: "fetcher", Status: health.Ready})
	}
	defer func() {
		if f.health != nil {
			f.health.Set(health.Record{Component: "fetcher", Status: health.ShuttingDown})
		}
	}()

	// queue.Send only suspends on ctx; derive a context that stop also
	// cancels so a send blocked on a full queue observes stop too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := f.cfg.BackoffStart
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("fetcher: rate limiter: %w", err)
			}
		}

		blocks, err := f.source.SyncMiniblocks(ctx, f.cursor.NextMiniblock, f.cfg.MaxBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("sync poll failed, retrying", "from", f.cursor.NextMiniblock, "err", err)
			if !f.sleepBackoff(ctx, stop, &backoff) {
				return nil
			}
			continue
		}
		if len(blocks) == 0 {
			if !f.sleepBackoff(ctx, stop, &backoff) {
				return nil
			}
			continue
		}
		backoff = f.cfg.BackoffStart

		if err := f.publish(ctx, stop, blocks); err != nil {
			if errors.Is(err, errStopping) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

var errStopping = errors.New("fetcher: stop observed mid-publish")

// publish translates a run of remote miniblocks into sync-actions and
// enqueues them: OpenBatch for a batch's first miniblock, then Miniblock,
// one Tx per transaction, SealMiniblock, and SealBatch for a batch's last
// miniblock. It checks the stop signal before each miniblock and, through
// send, before each action, returning errStopping as soon as it sees
// stop, even part-way through a batch.
func (f *Fetcher) publish(ctx context.Context, stop <-chan struct{}, blocks []rpcclient.RemoteMiniblock) error {
	for _, mb := range blocks {
		if mb.Number != f.cursor.NextMiniblock {
			return fmt.Errorf("fetcher: non-contiguous miniblock: expected %d, got %d", f.cursor.NextMiniblock, mb.Number)
		}

		select {
		case <-stop:
			return errStopping
		default:
		}

		if mb.FirstInBatch {
			if err := f.send(ctx, stop, syncaction.OpenBatch(syncaction.BatchParams{
				BatchNumber: mb.BatchNumber,
				Timestamp:   mb.Timestamp,
				FirstMiniblock: syncaction.MiniblockParams{
					Number:        mb.Number,
					Timestamp:     mb.Timestamp,
					VirtualBlocks: mb.VirtualBlocks,
				},
			})); err != nil {
				return err
			}
		}
		if err := f.send(ctx, stop, syncaction.Miniblock(syncaction.MiniblockParams{
			Number:        mb.Number,
			Timestamp:     mb.Timestamp,
			VirtualBlocks: mb.VirtualBlocks,
		})); err != nil {
			return err
		}

		for _, tx := range mb.Transactions {
			origin := syncaction.OriginL2
			if tx.Origin == syncaction.L1TxType {
				origin = syncaction.OriginL1
			}
			if err := f.send(ctx, stop, syncaction.Tx(syncaction.Transaction{
				Hash:     tx.Hash,
				Sender:   tx.Sender,
				Nonce:    tx.Nonce,
				GasLimit: tx.GasLimit,
				Input:    tx.Input,
				Origin:   origin,
			})); err != nil {
				return err
			}
		}

		if err := f.send(ctx, stop, syncaction.SealMiniblock()); err != nil {
			return err
		}
		if mb.LastInBatch {
			if err := f.send(ctx, stop, syncaction.SealBatch()); err != nil {
				return err
			}
		}

		f.cursor.NextMiniblock = mb.Number + 1
		f.cursor.PrevMiniblockHash = mb.Hash
		f.cursor.PrevMiniblockTime = mb.Timestamp
		f.cursor.L1Batch = mb.BatchNumber
	}
	return nil
}

func (f *Fetcher) send(ctx context.Context, stop <-chan struct{}, a syncaction.Action) error {
	select {
	case <-stop:
		return errStopping
	default:
	}
	if err := f.queue.Send(ctx, a); err != nil {
		if errors.Is(err, actionqueue.ErrClosed) {
			return errStopping
		}
		return err
	}
	return nil
}

// sleepBackoff waits for backoff, doubling it (capped at BackoffMax), and
// reports whether the fetcher should keep running.
func (f *Fetcher) sleepBackoff(ctx context.Context, stop <-chan struct{}, backoff *time.Duration) bool {
	t := time.NewTimer(*backoff)
	defer t.Stop()
	select {
	case <-t.C:
		*backoff *= 2
		if *backoff > f.cfg.BackoffMax {
			*backoff = f.cfg.BackoffMax
		}
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
