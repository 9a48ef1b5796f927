// Package health aggregates readiness probes for the ledger's backing
// services. The server registers one checker per dependency (Postgres,
// the event bus) and /health reports the aggregate.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of a single subsystem probe. Detail carries the
// failure cause and is omitted from JSON when healthy.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand. Registration
// and checking may race; checkers run outside the lock.
type Registry struct {
	mu       sync.RWMutex
	checkers []entry
}

type entry struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. Checkers run in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every registered subsystem. The aggregate is healthy
// only when every probe is; an empty registry is healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]entry(nil), r.checkers...)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checkers))
	for _, e := range checkers {
		st := e.check(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
