// Package memory provides an in-process implementation of ledger.Repository.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bissquit/incident-autopilot/internal/ledger"
)

type key struct {
	day      string
	workload string
}

// Repository keeps counters in memory. The map lock only guards key creation;
// each counter is updated atomically so different keys never contend.
type Repository struct {
	mu       sync.RWMutex
	counters map[key]*atomic.Int64
}

// NewRepository creates an empty in-memory ledger.
func NewRepository() *Repository {
	return &Repository{counters: make(map[key]*atomic.Int64)}
}

func (r *Repository) counter(k key, create bool) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[k]
	r.mu.RUnlock()
	if ok || !create {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[k]; ok {
		return c
	}
	c = new(atomic.Int64)
	r.counters[k] = c
	return c
}

// Increment adds one restart for (day, workload) and returns the new count.
func (r *Repository) Increment(ctx context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int(r.counter(key{day, workload}, true).Add(1)), nil
}

// Get returns the count for (day, workload), zero when absent.
func (r *Repository) Get(_ context.Context, day, workload string) (int, error) {
	if err := ledger.ValidateDay(day); err != nil {
		return 0, err
	}
	c := r.counter(key{day, workload}, false)
	if c == nil {
		return 0, nil
	}
	return int(c.Load()), nil
}

// List returns all counters inside rng.
func (r *Repository) List(_ context.Context, rng ledger.DateRange) (ledger.Counts, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := ledger.Counts{}
	for k, c := range r.counters {
		if rng.Contains(k.day) {
			counts.Add(k.day, k.workload, int(c.Load()))
		}
	}
	return counts, nil
}
