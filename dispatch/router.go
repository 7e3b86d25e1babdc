// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"sync"
)

// Router selects a backend for each dispatch attempt: least outstanding
// requests first, weighted round-robin as the tie-break, healthy backends
// preferred over degraded ones. Unroutable backends (open circuit,
// unhealthy) are never selected.
type Router struct {
	registry *Registry

	mu      sync.Mutex
	rrIndex map[Capability]uint64
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		rrIndex:  make(map[Capability]uint64),
	}
}

// Resolve picks a backend for the capability. exclude names a backend the
// previous attempt hit; it is avoided whenever another routable backend
// exists, so consecutive retries spread across the fleet. Selection and the
// in-flight reservation happen under one lock so concurrent resolvers see
// consistent counters; the caller must pair a successful Resolve with a
// Backend.endCall once the call finishes.
func (r *Router) Resolve(capability Capability, exclude string) (*Backend, error) {
	candidates := r.registry.BackendsFor(capability)
	if len(candidates) == 0 {
		return nil, Errorf(KindNoBackendAvailable, "no backend configured for capability %q", capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	routable := make([]*Backend, 0, len(candidates))
	for _, b := range candidates {
		if b.routable() {
			routable = append(routable, b)
		}
	}
	if len(routable) == 0 {
		return nil, Errorf(KindNoBackendAvailable, "all backends for capability %q are unavailable", capability)
	}

	// Avoid the previously used backend when an alternative exists.
	if exclude != "" && len(routable) > 1 {
		filtered := routable[:0]
		for _, b := range routable {
			if b.ID() != exclude {
				filtered = append(filtered, b)
			}
		}
		if len(filtered) > 0 {
			routable = filtered
		}
	}

	// Healthy before degraded.
	tier := make([]*Backend, 0, len(routable))
	for _, b := range routable {
		if b.Status() == HealthHealthy {
			tier = append(tier, b)
		}
	}
	if len(tier) == 0 {
		tier = routable
	}

	// Least outstanding requests.
	minInFlight := tier[0].InFlight()
	for _, b := range tier[1:] {
		if n := b.InFlight(); n < minInFlight {
			minInFlight = n
		}
	}
	leastLoaded := tier[:0]
	for _, b := range tier {
		if b.InFlight() == minInFlight {
			leastLoaded = append(leastLoaded, b)
		}
	}

	selected := r.pickWeightedRoundRobin(capability, leastLoaded)
	selected.beginCall()
	return selected, nil
}

// pickWeightedRoundRobin breaks ties by cycling a per-capability index over
// the candidates expanded by weight.
func (r *Router) pickWeightedRoundRobin(capability Capability, candidates []*Backend) *Backend {
	if len(candidates) == 1 {
		return candidates[0]
	}
	total := 0
	for _, b := range candidates {
		total += b.Weight()
	}
	idx := int(r.rrIndex[capability] % uint64(total))
	r.rrIndex[capability]++
	for _, b := range candidates {
		idx -= b.Weight()
		if idx < 0 {
			return b
		}
	}
	return candidates[len(candidates)-1]
}
