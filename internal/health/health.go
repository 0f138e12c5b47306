// Package health implements the named health records of spec.md §6:
// each long-lived component publishes a {NotReady, Ready, ShuttingDown,
// NotHealthy} record, readable by the out-of-scope health HTTP endpoint
// and observable in-process via an event.Feed.
package health

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Status is one of the four states a component can report.
type Status uint8

const (
	NotReady Status = iota
	Ready
	ShuttingDown
	NotHealthy
)

func (s Status) String() string {
	switch s {
	case NotReady:
		return "NotReady"
	case Ready:
		return "Ready"
	case ShuttingDown:
		return "ShuttingDown"
	case NotHealthy:
		return "NotHealthy"
	default:
		return "Unknown"
	}
}

// Record is a named component's current status, optionally annotated
// with the reason it became unhealthy.
type Record struct {
	Component string
	Status    Status
	Detail    string
}

// Registry fans a component's status out to every other part of the
// process that needs to read it — the healthcheck HTTP endpoint being
// the primary out-of-scope consumer.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	feed    event.Feed
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Set publishes component's status, overwriting any previous record.
func (r *Registry) Set(rec Record) {
	r.mu.Lock()
	r.records[rec.Component] = rec
	r.mu.Unlock()
	r.feed.Send(rec)
}

// Get returns the last published record for component.
func (r *Registry) Get(component string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[component]
	return rec, ok
}

// All returns a snapshot of every component's last published record.
func (r *Registry) All() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// Unhealthy reports whether any component is currently NotHealthy.
func (r *Registry) Unhealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Status == NotHealthy {
			return true
		}
	}
	return false
}

// Subscribe registers ch to receive every published record.
func (r *Registry) Subscribe(ch chan<- Record) event.Subscription {
	return r.feed.Subscribe(ch)
}
