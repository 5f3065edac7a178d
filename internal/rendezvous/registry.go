package rendezvous

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
)

// Registry owns every live Allocation on the relay, keyed by session ID
// (spec.md §4.1's "the relay hosts an unbounded number concurrently").
type Registry struct {
	log   nplog.Logger
	ip    string
	keys  KeyFetcher
	snoop nplog.Logger

	mu          sync.Mutex
	allocations map[session.ID]*Allocation
	stats       Stats
}

// NewRegistry builds a Registry that allocates listeners on ip.
func NewRegistry(log nplog.Logger, ip string, keys KeyFetcher, snoop nplog.Logger) *Registry {
	return &Registry{
		log:         log,
		ip:          ip,
		keys:        keys,
		snoop:       snoop,
		allocations: make(map[session.ID]*Allocation),
	}
}

// Allocate creates and launches a new Allocation for the given session,
// running its auth-then-splice lifecycle in the background, and returns
// it; service.go turns it into the public "<ip>,<portA>,<portB>,<rvdNonce>"
// wire value from spec.md §3.
func (r *Registry) Allocate(ctx context.Context, id session.ID, clientAddr, daemonAddr string) (*Allocation, error) {
	a, err := NewAllocation(r.log, r.ip, id, clientAddr, daemonAddr, r.keys, &r.stats, r.snoop)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.allocations[id] = a
	r.mu.Unlock()

	go func() {
		a.Run(ctx)
		r.mu.Lock()
		delete(r.allocations, id)
		r.mu.Unlock()
	}()

	return a, nil
}

// Lookup returns the live allocation for id, if any.
func (r *Registry) Lookup(id session.ID) (*Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocations[id]
	return a, ok
}

// Len returns the number of currently live allocations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allocations)
}

// StatsSnapshot is the JSON shape served at /stats.
type StatsSnapshot struct {
	Open  int32 `json:"open"`
	Total int32 `json:"total"`
	Live  int   `json:"live"`
}

// StatsSnapshot reports the registry's current allocation counters.
func (r *Registry) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Open:  atomic.LoadInt32(&r.stats.open),
		Total: atomic.LoadInt32(&r.stats.total),
		Live:  r.Len(),
	}
}
