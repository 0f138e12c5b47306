// Package actionqueue implements the bounded, single-producer/single-consumer
// FIFO that is the only synchronization point between the fetcher and the
// state-keeper loop (spec.md §4.1).
package actionqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/syncaction"
)

// ErrClosed is returned by Recv once the queue has been closed and
// drained, signalling end-of-stream to the consumer.
var ErrClosed = errors.New("actionqueue: closed")

// Queue is a bounded FIFO carrying fetched sync-actions from the fetcher
// to the state-keeper loop. Send suspends the producer when full; Recv
// suspends the consumer when empty. It is the *only* shared state between
// fetcher and loop — everything else travels through typed channels or is
// owned exclusively by one side.
type Queue struct {
	ch        chan syncaction.Action
	closed    chan struct{}
	closeOnce sync.Once
	log       log.Logger
}

// New returns a queue with the given capacity. Capacity is fixed for the
// lifetime of the queue; spec.md recommends a capacity in the hundreds.
func New(capacity int) *Queue {
	return &Queue{
		ch:     make(chan syncaction.Action, capacity),
		closed: make(chan struct{}),
		log:    log.New("component", "action-queue"),
	}
}

// Len reports the number of actions currently buffered, for the
// backpressure-bound property (spec.md P6) and for metrics.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the fixed queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Send enqueues an action, suspending the caller if the queue is full.
// It returns ctx.Err() if ctx is cancelled first, or ErrClosed if the
// queue was closed concurrently.
func (q *Queue) Send(ctx context.Context, a syncaction.Action) error {
	select {
	case q.ch <- a:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next action, suspending the caller if the queue is
// empty. Once the queue is closed and drained, Recv returns ErrClosed so
// the loop can shut down instead of stalling forever.
func (q *Queue) Recv(ctx context.Context) (syncaction.Action, error) {
	select {
	case a := <-q.ch:
		return a, nil
	case <-q.closed:
		select {
		case a := <-q.ch:
			return a, nil
		default:
			return syncaction.Action{}, ErrClosed
		}
	case <-ctx.Done():
		return syncaction.Action{}, ctx.Err()
	}
}

// Close transitions future Recv calls to end-of-stream once the queue
// drains. Safe to call more than once, including concurrently with Send;
// a Send blocked or started after Close returns ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.log.Debug("action queue closed")
	})
}
