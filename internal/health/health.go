// Package health aggregates readiness probes for the engine's two hard
// dependencies, the database and the chain RPC.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckTimeout bounds each individual probe. A hung RPC must not stall
// the readiness endpoint past the load balancer's own probe timeout.
const CheckTimeout = 5 * time.Second

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered probes on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe. Registration order is reporting order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate. The aggregate is
// unhealthy if any single probe is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(checkers))
	for i, nc := range checkers {
		statuses[i] = runChecker(ctx, nc)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func runChecker(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	return nc.check(ctx)
}
