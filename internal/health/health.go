// Package health aggregates readiness checks for service dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// perCheckTimeout bounds a single dependency probe so one hung dependency
// cannot eat the whole health budget.
const perCheckTimeout = 2 * time.Second

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of a single dependency probe.
type Result struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Registry holds named dependency checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named check. Checks run in registration order.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, fn: fn})
	r.mu.Unlock()
}

// Run probes every registered dependency and reports the aggregate along
// with per-dependency results.
func (r *Registry) Run(ctx context.Context) (healthy bool, results []Result) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy = true
	results = make([]Result, 0, len(checks))

	for _, c := range checks {
		res := Result{Name: c.name, Healthy: true}
		cctx, cancel := context.WithTimeout(ctx, perCheckTimeout)
		if err := c.fn(cctx); err != nil {
			res.Healthy = false
			res.Detail = err.Error()
			healthy = false
		}
		cancel()
		results = append(results, res)
	}

	return healthy, results
}
