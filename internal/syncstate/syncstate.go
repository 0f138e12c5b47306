// Package syncstate implements the SyncState observable of spec.md §5:
// a single-writer, many-reader primitive with atomic snapshot semantics,
// written only by the state-keeper loop and read by health checks and
// the API. No mutex is held across I/O — readers take an atomic snapshot
// and writers publish a new one via atomic.Pointer, with an event.Feed
// for subscribers that want to react to progress rather than poll it.
package syncstate

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
)

// Snapshot is the current synced height as observed by the rest of the
// node.
type Snapshot struct {
	SealedMiniblock uint64
	SealedBatch     uint64
}

// State is the shared observable. Its zero value is ready to use.
type State struct {
	current atomic.Pointer[Snapshot]
	feed    event.Feed
}

// New returns a State seeded with snapshot.
func New(initial Snapshot) *State {
	s := &State{}
	s.current.Store(&initial)
	return s
}

// Get returns the most recently published snapshot. Safe for concurrent
// use by any number of readers.
func (s *State) Get() Snapshot {
	p := s.current.Load()
	if p == nil {
		return Snapshot{}
	}
	return *p
}

// Set publishes a new snapshot and notifies subscribers. Only the
// state-keeper loop calls this.
func (s *State) Set(next Snapshot) {
	s.current.Store(&next)
	s.feed.Send(next)
}

// Subscribe registers ch to receive every published snapshot. The
// returned subscription must be closed by the caller.
func (s *State) Subscribe(ch chan<- Snapshot) event.Subscription {
	return s.feed.Subscribe(ch)
}
