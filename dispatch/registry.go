// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backend is the runtime record for one configured backend: static
// configuration plus the mutable health view maintained by the health
// aggregator.
type Backend struct {
	cfg BackendConfig

	// inFlight counts outstanding calls, reserved at selection time so
	// concurrent resolvers see consistent load.
	inFlight atomic.Int64

	mu                  sync.Mutex
	status              HealthStatus
	consecutiveFailures int
	lastProbe           time.Time
	breaker             *circuitBreaker
}

// ID returns the backend identifier.
func (b *Backend) ID() string { return b.cfg.ID }

// BaseURL returns the backend's base address.
func (b *Backend) BaseURL() string { return b.cfg.BaseURL }

// SupportsBatch reports whether the backend advertises batch endpoints.
func (b *Backend) SupportsBatch() bool { return b.cfg.SupportsBatch }

// MaxInFlight returns the configured concurrency cap.
func (b *Backend) MaxInFlight() int { return b.cfg.MaxInFlight }

// Weight returns the configured routing weight (defaults to 1).
func (b *Backend) Weight() int {
	if b.cfg.Weight <= 0 {
		return 1
	}
	return b.cfg.Weight
}

// Status returns the current health grade.
func (b *Backend) Status() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// InFlight reports outstanding calls.
func (b *Backend) InFlight() int64 {
	return b.inFlight.Load()
}

// routable reports whether the circuit breaker permits new work. An open
// circuit (status unhealthy) blocks routing; once the cooldown elapses the
// circuit turns half-open and admits a single trial request, while the
// status still reads unhealthy until a call or probe succeeds.
func (b *Backend) routable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.breaker.allow()
}

// beginCall reserves an in-flight slot for load accounting.
func (b *Backend) beginCall() {
	n := b.inFlight.Add(1)
	metricActiveConnections.WithLabelValues(b.cfg.ID).Set(float64(n))
}

// endCall releases the in-flight reservation.
func (b *Backend) endCall() {
	n := b.inFlight.Add(-1)
	if n < 0 {
		b.inFlight.Store(0)
		n = 0
	}
	metricActiveConnections.WithLabelValues(b.cfg.ID).Set(float64(n))
}

// healthSnapshot copies the externally visible health record.
func (b *Backend) healthSnapshot() BackendHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := BackendHealth{
		BackendID:           b.cfg.ID,
		Status:              b.status,
		ConsecutiveFailures: b.consecutiveFailures,
		LastProbe:           b.lastProbe,
		InFlight:            b.inFlight.Load(),
	}
	if until, open := b.breaker.openUntil(); open {
		h.OpenCircuitUntil = &until
	}
	return h
}

// Registry holds the static backend set and its capability index. Backends
// are created at startup; only the health aggregator mutates their state
// afterwards.
type Registry struct {
	mu           sync.RWMutex
	backends     map[string]*Backend
	byCapability map[Capability][]*Backend
}

// NewRegistry builds a registry from backend declarations.
func NewRegistry(configs []BackendConfig, threshold int, cooldown time.Duration) *Registry {
	r := &Registry{
		backends:     make(map[string]*Backend),
		byCapability: make(map[Capability][]*Backend),
	}
	for _, cfg := range configs {
		if cfg.MaxInFlight <= 0 {
			cfg.MaxInFlight = defaultMaxInFlight
		}
		b := &Backend{
			cfg:     cfg,
			status:  HealthHealthy,
			breaker: newCircuitBreaker(threshold, cooldown),
		}
		r.backends[cfg.ID] = b
		for _, c := range cfg.Capabilities {
			r.byCapability[c] = append(r.byCapability[c], b)
		}
		metricBackendHealth.WithLabelValues(cfg.ID).Set(HealthHealthy.healthWeight())
		metricActiveConnections.WithLabelValues(cfg.ID).Set(0)
	}
	return r
}

// Get returns the backend with the given id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// BackendsFor enumerates the backends eligible for a capability, in
// declaration order.
func (r *Registry) BackendsFor(capability Capability) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.byCapability[capability]
	out := make([]*Backend, len(src))
	copy(out, src)
	return out
}

// All enumerates every registered backend.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// HealthReport snapshots every backend's health record.
func (r *Registry) HealthReport() map[string]BackendHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BackendHealth, len(r.backends))
	for id, b := range r.backends {
		out[id] = b.healthSnapshot()
	}
	return out
}
