// Package health aggregates named subsystem checks (database, wallet
// RPC, telephony gateway) behind the health endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is one subsystem's health report.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one subsystem. Implementations must honor the context
// deadline; a check that hangs delays the whole health response.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Checks run in registration order in
// the response.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker concurrently and reports the
// aggregate plus per-subsystem results. A panicking checker counts as
// unhealthy rather than taking the endpoint down.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: nc.name, Healthy: false, Detail: fmt.Sprintf("check panicked: %v", rec)}
		}
	}()
	st = nc.check(ctx)
	if st.Name == "" {
		st.Name = nc.name
	}
	return st
}
