// Package sealer implements the output handler of spec.md §4.6: a
// dedicated task draining a bounded queue of sealed miniblocks/batches
// and persisting them to the relational store in receive order. Queue
// capacity is configurable; the loop blocks when full, which is the
// natural backpressure from the slowest storage.
package sealer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	extmetrics "chain-extnode/sync/internal/metrics"
	"chain-extnode/sync/internal/storage"
)

// SealRequest is one unit of sealer work: a sealed miniblock, optionally
// paired with the batch header when it is also the batch-sealing
// miniblock.
type SealRequest struct {
	Miniblock   *storage.SealedMiniblock // nil when this request only carries a batch header
	BatchHeader *storage.BatchHeader     // nil unless this request also seals the batch
	Done        chan error               // non-nil when the caller wants a synchronous ack
}

// Sealer drains SealRequests and persists them in order. On any write
// error it fails the pipeline: the error is surfaced to Err() and no
// further requests are drained.
type Sealer struct {
	store   storage.RelationalStore
	reqC    chan SealRequest
	errC    chan error
	stopC   chan struct{}
	doneC   chan struct{}
	log     log.Logger
	metrics *extmetrics.Set
}

// New returns a sealer with the given bounded queue capacity.
func New(store storage.RelationalStore, capacity int, m *extmetrics.Set) *Sealer {
	return &Sealer{
		store:   store,
		reqC:    make(chan SealRequest, capacity),
		errC:    make(chan error, 1),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
		log:     log.New("component", "sealer"),
		metrics: m,
	}
}

// Submit enqueues req, suspending the caller if the queue is full. Once
// Run has returned, req is not enqueued and Submit returns Err(): the
// write error that halted the sealer, or nil after a clean Stop.
func (s *Sealer) Submit(ctx context.Context, req SealRequest) error {
	select {
	case s.reqC <- req:
		if s.metrics != nil {
			s.metrics.SealerQueueDepth.Update(int64(len(s.reqC)))
		}
		return nil
	case <-s.doneC:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until stop fires or a write fails. It is meant to
// be run in its own goroutine by the supervisor.
func (s *Sealer) Run(ctx context.Context) {
	defer close(s.doneC)
	for {
		select {
		case <-s.stopC:
			return
		case req := <-s.reqC:
			if err := s.persist(ctx, req); err != nil {
				s.log.Error("sealer write failed, halting pipeline", "err", err)
				select {
				case s.errC <- err:
				default:
				}
				if req.Done != nil {
					req.Done <- err
				}
				return
			}
			if req.Done != nil {
				req.Done <- nil
			}
		}
	}
}

func (s *Sealer) persist(ctx context.Context, req SealRequest) error {
	if req.Miniblock != nil {
		if err := s.store.InsertMiniblock(ctx, *req.Miniblock); err != nil {
			return fmt.Errorf("sealer: persist miniblock %d: %w", req.Miniblock.Number, err)
		}
		if s.metrics != nil {
			s.metrics.SealedMiniblock.Update(int64(req.Miniblock.Number))
		}
		s.log.Debug("sealed miniblock", "miniblock", req.Miniblock.Number)
	}
	if req.BatchHeader != nil {
		if err := s.store.InsertBatchHeader(ctx, *req.BatchHeader); err != nil {
			return fmt.Errorf("sealer: persist batch header %d: %w", req.BatchHeader.BatchNumber, err)
		}
		if s.metrics != nil {
			s.metrics.SealedBatch.Update(int64(req.BatchHeader.BatchNumber))
		}
		s.log.Info("sealed batch", "batch", req.BatchHeader.BatchNumber)
	}
	return nil
}

// Stop requests the sealer to stop draining after its current write, if
// any, completes.
func (s *Sealer) Stop() {
	select {
	case <-s.stopC:
	default:
		close(s.stopC)
	}
}

// Done is closed once Run returns.
func (s *Sealer) Done() <-chan struct{} { return s.doneC }

// Err returns the first fatal write error, if any.
func (s *Sealer) Err() error {
	select {
	case err := <-s.errC:
		s.errC <- err
		return err
	default:
		return nil
	}
}
